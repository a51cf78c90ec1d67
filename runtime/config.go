// Package runtime assembles the Kestrel core: it owns configuration, dials
// etcd, constructs every component, and runs their consumer loops and
// sweepers as one task group.
package runtime

import (
	"time"

	mbp "go.gazette.dev/core/mainboilerplate"
)

// Config is the top-level configuration of the Kestrel core.
type Config struct {
	Kestrel struct {
		Root           string        `long:"root" env:"ROOT" default:"/kestrel" description:"Etcd base prefix of catalogues and queues"`
		Scratch        string        `long:"scratch" env:"SCRATCH" default:"/var/lib/kestrel" description:"Shared scratch filesystem root"`
		BuildTool      string        `long:"build-tool" env:"BUILD_TOOL" default:"kestrel-build" description:"External build tool binary"`
		LLMProxy       string        `long:"llm-proxy" env:"LLM_PROXY" description:"LLM proxy endpoint exported to build and analysis tooling"`
		Listen         string        `long:"listen" env:"LISTEN" default:":8080" description:"Inbound task API listen address"`
		KeyID          string        `long:"key-id" env:"KEY_ID" description:"Preshared key id of the inbound task API"`
		KeyToken       string        `long:"key-token" env:"KEY_TOKEN" description:"Preshared key token of the inbound task API"`
		Workers        int           `long:"workers" env:"WORKERS" default:"4" description:"Consumers per queue fleet"`
		Visibility     time.Duration `long:"visibility" env:"VISIBILITY" default:"10m" description:"Queue visibility timeout"`
		QueueHighWater int64         `long:"queue-high-water" env:"QUEUE_HIGH_WATER" default:"100000" description:"Per-queue retained-message high-water mark (0 disables)"`
		RequiredAcks   int           `long:"required-acks" env:"REQUIRED_ACKS" default:"5" description:"Fleet teardown acks that complete a cancellation"`
		FreezeWindow   time.Duration `long:"freeze-window" env:"FREEZE_WINDOW" default:"10m" description:"Pre-deadline window in which no new patches are requested"`
		HardStop       time.Duration `long:"hard-stop" env:"HARD_STOP" default:"1m" description:"Pre-deadline window in which submission ledgers freeze"`
	} `group:"Kestrel" namespace:"kestrel" env-namespace:"KESTREL"`

	API struct {
		Endpoint string `long:"endpoint" env:"ENDPOINT" description:"Competition API base URL"`
		KeyID    string `long:"key-id" env:"KEY_ID" description:"Competition API key id"`
		KeyToken string `long:"key-token" env:"KEY_TOKEN" description:"Competition API key token"`
	} `group:"Competition API" namespace:"api" env-namespace:"API"`

	Etcd        mbp.EtcdConfig        `group:"Etcd" namespace:"etcd" env-namespace:"ETCD"`
	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
}
