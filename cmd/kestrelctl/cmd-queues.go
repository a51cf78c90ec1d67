package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/kestrelsec/kestrel/ops"
	"github.com/kestrelsec/kestrel/queue"
	"github.com/kestrelsec/kestrel/registry"
	"github.com/kestrelsec/kestrel/wire"
	clientv3 "go.etcd.io/etcd/client/v3"
	mbp "go.gazette.dev/core/mainboilerplate"
)

// ctlConfig is the connection configuration shared by admin commands.
type ctlConfig struct {
	Root string         `long:"root" env:"KESTREL_ROOT" default:"/kestrel" description:"Etcd base prefix of catalogues and queues"`
	Etcd mbp.EtcdConfig `group:"Etcd" namespace:"etcd" env-namespace:"ETCD"`
	Log  mbp.LogConfig  `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (c *ctlConfig) dial() (*clientv3.Client, *registry.Client, *queue.Fabric, error) {
	mbp.InitLog(c.Log)
	var etcd = c.Etcd.MustDial()
	var reg, err = registry.NewClient(etcd, c.Root)
	if err != nil {
		return nil, nil, nil, err
	}
	fabric, err := queue.NewFabric(etcd, c.Root, 10*time.Minute, 0)
	if err != nil {
		return nil, nil, nil, err
	}
	return etcd, reg, fabric, nil
}

var (
	headerColor = color.New(color.Bold)
	queueColor  = color.New(color.FgCyan)
)

// printRecord renders one decoded record as indented JSON.
func printRecord(rec wire.Record) error {
	var b, err = json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

// readFramed loads and decodes a framed record file against |queue|'s schema.
func readFramed(path, queueName string) (wire.Record, error) {
	var b, err = os.ReadFile(path)
	if err != nil {
		return nil, ops.Validation(fmt.Errorf("reading %s: %w", path, err))
	}
	rec, err := wire.NewRecord(queueName)
	if err != nil {
		return nil, ops.Validation(err)
	}
	if err = wire.Unframe(b, rec); err != nil {
		return nil, ops.Validation(fmt.Errorf("decoding %s: %w", path, err))
	}
	return rec, nil
}

type cmdSendQueue struct {
	ctlConfig
	Args struct {
		Queue string `positional-arg-name:"queue" required:"true"`
		File  string `positional-arg-name:"file" required:"true"`
	} `positional-args:"true"`
}

func (cmd *cmdSendQueue) Execute(_ []string) error {
	var rec, err = readFramed(cmd.Args.File, cmd.Args.Queue)
	if err != nil {
		return err
	}
	etcd, _, fabric, err := cmd.dial()
	if err != nil {
		return err
	}
	defer etcd.Close()

	id, err := fabric.Push(context.Background(), cmd.Args.Queue, rec)
	if err != nil {
		return err
	}
	fmt.Printf("enqueued %s/%d\n", cmd.Args.Queue, id)
	return nil
}

type cmdReadQueue struct {
	ctlConfig
	Group string `long:"group" description:"Pop one record under this consumer group instead of peeking"`
	Args  struct {
		Queue string `positional-arg-name:"queue" required:"true"`
	} `positional-args:"true"`
}

func (cmd *cmdReadQueue) Execute(_ []string) error {
	var etcd, _, fabric, err = cmd.dial()
	if err != nil {
		return err
	}
	defer etcd.Close()
	var ctx = context.Background()

	var msgs []queue.Message
	if cmd.Group == "" {
		msgs, err = fabric.Peek(ctx, cmd.Args.Queue, 1)
	} else {
		msgs, err = fabric.Reserve(ctx, cmd.Args.Queue, cmd.Group, "kestrelctl", 1, 0)
	}
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		fmt.Println("queue is empty")
		return nil
	}

	rec, err := msgs[0].Decode(cmd.Args.Queue)
	if err != nil {
		return ops.Validation(err)
	}
	if err = printRecord(rec); err != nil {
		return err
	}
	if cmd.Group != "" {
		return fabric.Ack(ctx, cmd.Args.Queue, cmd.Group, msgs[0].ID)
	}
	return nil
}

type cmdListQueues struct {
	ctlConfig
}

func (cmd *cmdListQueues) Execute(_ []string) error {
	var etcd, _, fabric, err = cmd.dial()
	if err != nil {
		return err
	}
	defer etcd.Close()
	var ctx = context.Background()

	headerColor.Printf("%-32s %s\n", "QUEUE", "DEPTH")
	for _, q := range wire.Queues() {
		depth, err := fabric.Depth(ctx, q)
		if err != nil {
			return err
		}
		queueColor.Printf("%-32s", q)
		fmt.Printf(" %d\n", depth)
	}
	return nil
}

type cmdDeleteQueue struct {
	ctlConfig
	Args struct {
		Queue string `positional-arg-name:"queue" required:"true"`
	} `positional-args:"true"`
}

func (cmd *cmdDeleteQueue) Execute(_ []string) error {
	var etcd, _, fabric, err = cmd.dial()
	if err != nil {
		return err
	}
	defer etcd.Close()

	if err = fabric.DeleteQueue(context.Background(), cmd.Args.Queue); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", cmd.Args.Queue)
	return nil
}
