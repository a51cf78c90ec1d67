package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/kestrelsec/kestrel/ops"
	"github.com/kestrelsec/kestrel/registry"
	mbp "go.gazette.dev/core/mainboilerplate"
)

const iniFilename = "kestrel.ini"

// Exit codes of the admin utility.
const (
	exitOK          = 0
	exitBadInput    = 2
	exitUnreachable = 3
	exitConflict    = 4
)

func main() {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	addCmd(parser, "send-queue", "Push a framed record onto a queue", `
Push the framed record in <file> onto <queue>. The record must decode and
validate against the queue's schema.
`, &cmdSendQueue{})

	addCmd(parser, "read-queue", "Peek or pop one record of a queue", `
Without --group, peek the head record non-destructively. With --group, pop
one record under that consumer group (reserve and acknowledge it).
`, &cmdReadQueue{})

	addCmd(parser, "list-queues", "List queues and their depths", `
List every queue of the fabric with its retained-message depth.
`, &cmdListQueues{})

	addCmd(parser, "delete-queue", "Delete a queue outright", `
Delete a queue's messages, cursors, and pending sets. Intended for test
environments; live fleets will recreate the queue on next use.
`, &cmdDeleteQueue{})

	addCmd(parser, "add-harness", "Insert a harness weight record", `
Insert the framed WeightedHarness record in <file> into the harness-weights
catalogue. Fails if the (task, package, harness) key already exists.
`, &cmdAddHarness{})

	addCmd(parser, "add-build", "Insert a build output record", `
Insert the framed BuildOutput record in <file> into the builds catalogue.
Fails if the build identity already exists.
`, &cmdAddBuild{})

	addCmd(parser, "read-harnesses", "List harness weights", `
List harness weights, optionally filtered by task.
`, &cmdReadHarnesses{})

	addCmd(parser, "read-builds", "List build outputs of a task", `
List the build outputs of <task_id>, optionally narrowed to <build_type>.
`, &cmdReadBuilds{})

	addCmd(parser, "serve", "Serve the Kestrel core", `
Serve every core component (downloader, builder dispatcher, scheduler,
router, submitter, gc, and the inbound task API) until signaled to exit
(via SIGTERM).
`, &cmdServe{})

	mbp.AddPrintConfigCmd(parser, iniFilename)

	var _, err = parser.Parse()
	os.Exit(exitCode(err))
}

// exitCode maps a command error to the utility's exit-code contract.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ferr *flags.Error
	if errors.As(err, &ferr) {
		if ferr.Type == flags.ErrHelp {
			fmt.Println(ferr.Error())
			return exitOK
		}
		fmt.Fprintln(os.Stderr, ferr.Error())
		return exitBadInput
	}

	fmt.Fprintln(os.Stderr, err.Error())
	if errors.Is(err, registry.ErrConflict) {
		return exitConflict
	}
	switch ops.Classify(err) {
	case ops.KindValidation:
		return exitBadInput
	case ops.KindTransient, ops.KindExhaustion:
		return exitUnreachable
	}
	return exitBadInput
}

func addCmd(to interface {
	AddCommand(string, string, string, interface{}) (*flags.Command, error)
}, a, b, c string, iface interface{}) *flags.Command {
	var cmd, err = to.AddCommand(a, b, c, iface)
	mbp.Must(err, "failed to add flags parser command")
	return cmd
}
