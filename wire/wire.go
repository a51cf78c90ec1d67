// Package wire defines the framed records exchanged over Kestrel's queues
// and stored in its registry catalogues. Values are protobuf wire format
// with hand-maintained, stable field numbers, prefixed by a single version
// byte which allows schema migration. Each queue carries exactly one record
// type; the schema registry maps queue names to their record constructors
// and consumers reject unknown variants to the dead-letter queue.
package wire

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/gogo/protobuf/proto"
)

// Version is the current frame version, at offset 0 of every framed value.
const Version byte = 0x01

// Record is the contract of every framed record. It mirrors the message
// contract of the gogo/protobuf generated code used across the registry.
type Record interface {
	proto.Marshaler
	proto.Unmarshaler
	Validate() error
}

// Frame marshals |r| and prefixes the frame version byte.
func Frame(r Record) ([]byte, error) {
	var body, err = r.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return append([]byte{Version}, body...), nil
}

// MustFrame frames |r| or panics. For records built by the core itself,
// which cannot fail to marshal.
func MustFrame(r Record) []byte {
	var b, err = Frame(r)
	if err != nil {
		panic(err)
	}
	return b
}

// Unframe checks the version byte, unmarshals into |r|, and validates.
func Unframe(b []byte, r Record) error {
	if len(b) == 0 {
		return fmt.Errorf("empty frame")
	} else if b[0] != Version {
		return fmt.Errorf("unknown frame version 0x%02x", b[0])
	} else if err := r.Unmarshal(b[1:]); err != nil {
		return fmt.Errorf("unmarshal record: %w", err)
	}
	return r.Validate()
}

// Queue names of the fabric. These are fixed interface names: external
// fleets address them literally.
const (
	QueueTaskDownload         = "task_download_queue"
	QueueTaskReady            = "task_ready_queue"
	QueueTaskDelete           = "task_delete_queue"
	QueueBuildRequest         = "build_request_queue"
	QueueBuildOutput          = "build_output_queue"
	QueueRawCrash             = "raw_crash_queue"
	QueueTracer               = "tracer_queue"
	QueueTracedCrash          = "traced_crash_queue"
	QueueConfirmedVuln        = "confirmed_vulnerability_queue"
	QueuePatchRequest         = "patch_request_queue"
	QueuePatchResult          = "patch_result_queue"
	QueuePOVReproduceRequest  = "pov_reproduce_request_queue"
	QueuePOVReproduceResponse = "pov_reproduce_response_queue"
	QueueSeedInit             = "seed_init_queue"
	QueueSeedExplore          = "seed_explore_queue"
	QueueVulnDiscovery        = "vuln_discovery_queue"
	QueueDeadLetter           = "dead_letter"
)

var queueSchema = map[string]func() Record{
	QueueTaskDownload:         func() Record { return new(TaskDownload) },
	QueueTaskReady:            func() Record { return new(TaskReady) },
	QueueTaskDelete:           func() Record { return new(TaskDelete) },
	QueueBuildRequest:         func() Record { return new(BuildRequest) },
	QueueBuildOutput:          func() Record { return new(BuildOutput) },
	QueueRawCrash:             func() Record { return new(Crash) },
	QueueTracer:               func() Record { return new(Crash) },
	QueueTracedCrash:          func() Record { return new(TracedCrash) },
	QueueConfirmedVuln:        func() Record { return new(ConfirmedVulnerability) },
	QueuePatchRequest:         func() Record { return new(PatchRequest) },
	QueuePatchResult:          func() Record { return new(Patch) },
	QueuePOVReproduceRequest:  func() Record { return new(POVReproduceRequest) },
	QueuePOVReproduceResponse: func() Record { return new(POVReproduceResponse) },
	QueueSeedInit:             func() Record { return new(AnalysisRequest) },
	QueueSeedExplore:          func() Record { return new(AnalysisRequest) },
	QueueVulnDiscovery:        func() Record { return new(AnalysisRequest) },
	QueueDeadLetter:           func() Record { return new(DeadLetter) },
}

// NewRecord returns an empty Record of the type carried by |queue|.
func NewRecord(queue string) (Record, error) {
	var fn, ok = queueSchema[queue]
	if !ok {
		return nil, fmt.Errorf("no schema for queue %q", queue)
	}
	return fn(), nil
}

// Queues returns all fabric queue names, sorted.
func Queues() []string {
	var out []string
	for q := range queueSchema {
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}

// buffer accumulates protobuf wire-format fields. Zero-valued scalar fields
// are omitted, as generated code does.
type buffer struct{ b []byte }

func (w *buffer) key(field, wt uint64) {
	w.b = append(w.b, proto.EncodeVarint(field<<3|wt)...)
}

func (w *buffer) varint(field, v uint64) {
	if v == 0 {
		return
	}
	w.key(field, 0)
	w.b = append(w.b, proto.EncodeVarint(v)...)
}

func (w *buffer) int64(field uint64, v int64) { w.varint(field, uint64(v)) }

func (w *buffer) bool_(field uint64, v bool) {
	if v {
		w.varint(field, 1)
	}
}

func (w *buffer) double(field uint64, v float64) {
	if v == 0 {
		return
	}
	w.key(field, 1)
	w.b = binary.LittleEndian.AppendUint64(w.b, math.Float64bits(v))
}

func (w *buffer) string_(field uint64, v string) {
	if v == "" {
		return
	}
	w.key(field, 2)
	w.b = append(w.b, proto.EncodeVarint(uint64(len(v)))...)
	w.b = append(w.b, v...)
}

func (w *buffer) bytes(field uint64, v []byte) {
	if len(v) == 0 {
		return
	}
	w.key(field, 2)
	w.b = append(w.b, proto.EncodeVarint(uint64(len(v)))...)
	w.b = append(w.b, v...)
}

// message emits an embedded message field, including empty messages
// (presence is meaningful for messages, unlike scalars).
func (w *buffer) message(field uint64, m proto.Marshaler) error {
	var body, err = m.Marshal()
	if err != nil {
		return err
	}
	w.key(field, 2)
	w.b = append(w.b, proto.EncodeVarint(uint64(len(body)))...)
	w.b = append(w.b, body...)
	return nil
}

// stringMap emits a map<string,string> field as repeated key/value pair
// messages, in sorted key order for deterministic output.
func (w *buffer) stringMap(field uint64, m map[string]string) {
	var keys []string
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		var pair buffer
		pair.string_(1, k)
		pair.string_(2, m[k])
		w.bytes(field, pair.b)

		if len(pair.b) == 0 {
			// Both key and value are empty: emit explicit empty pair.
			w.key(field, 2)
			w.b = append(w.b, 0)
		}
	}
}

// iter walks protobuf wire-format fields.
type iter struct {
	b  []byte
	wt uint64
}

// next returns the field number of the next field, or ok=false at end.
func (it *iter) next() (field uint64, ok bool, err error) {
	if len(it.b) == 0 {
		return 0, false, nil
	}
	var k, n = proto.DecodeVarint(it.b)
	if n == 0 {
		return 0, false, fmt.Errorf("truncated field key")
	}
	it.b, it.wt = it.b[n:], k&7
	return k >> 3, true, nil
}

func (it *iter) varint() (uint64, error) {
	if it.wt != 0 {
		return 0, fmt.Errorf("wire type %d, want varint", it.wt)
	}
	var v, n = proto.DecodeVarint(it.b)
	if n == 0 {
		return 0, fmt.Errorf("truncated varint")
	}
	it.b = it.b[n:]
	return v, nil
}

func (it *iter) int64() (int64, error) {
	var v, err = it.varint()
	return int64(v), err
}

func (it *iter) bool_() (bool, error) {
	var v, err = it.varint()
	return v != 0, err
}

func (it *iter) double() (float64, error) {
	if it.wt != 1 {
		return 0, fmt.Errorf("wire type %d, want fixed64", it.wt)
	}
	if len(it.b) < 8 {
		return 0, fmt.Errorf("truncated fixed64")
	}
	var v = math.Float64frombits(binary.LittleEndian.Uint64(it.b))
	it.b = it.b[8:]
	return v, nil
}

func (it *iter) bytes() ([]byte, error) {
	if it.wt != 2 {
		return nil, fmt.Errorf("wire type %d, want bytes", it.wt)
	}
	var l, n = proto.DecodeVarint(it.b)
	if n == 0 || uint64(len(it.b)-n) < l {
		return nil, fmt.Errorf("truncated bytes field")
	}
	var v = it.b[n : n+int(l)]
	it.b = it.b[n+int(l):]
	return v, nil
}

func (it *iter) string_() (string, error) {
	var v, err = it.bytes()
	return string(v), err
}

func (it *iter) stringMapEntry(m map[string]string) error {
	var raw, err = it.bytes()
	if err != nil {
		return err
	}
	var k, v string
	var inner = iter{b: raw}
	for {
		field, ok, err := inner.next()
		if err != nil {
			return err
		} else if !ok {
			m[k] = v
			return nil
		}
		switch field {
		case 1:
			k, err = inner.string_()
		case 2:
			v, err = inner.string_()
		default:
			err = inner.skip()
		}
		if err != nil {
			return err
		}
	}
}

func (it *iter) skip() error {
	switch it.wt {
	case 0:
		var _, err = it.varint()
		return err
	case 1:
		if len(it.b) < 8 {
			return fmt.Errorf("truncated fixed64")
		}
		it.b = it.b[8:]
		return nil
	case 2:
		var _, err = it.bytes()
		return err
	case 5:
		if len(it.b) < 4 {
			return fmt.Errorf("truncated fixed32")
		}
		it.b = it.b[4:]
		return nil
	default:
		return fmt.Errorf("cannot skip wire type %d", it.wt)
	}
}
