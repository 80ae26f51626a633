package tools

import (
	"context"
	"fmt"
	"time"
)

type clockArgs struct {
	Format string `json:"format,omitempty" jsonschema:"description=Go reference layout or 'unix'; defaults to RFC 3339"`
}

type sleepEchoArgs struct {
	Seconds int    `json:"seconds" jsonschema:"description=How long to wait before echoing,minimum=0,maximum=300"`
	Text    string `json:"text" jsonschema:"description=Text to echo back after the delay"`
}

// Builtins returns the demo tools shipped with the binary. clock answers
// immediately; sleep_echo completes after a delay, exercising the
// deferred-result path through the pair buffer.
func Builtins() []Definition {
	return []Definition{
		Define("clock", "Report the current time.", runClock),
		Define("sleep_echo", "Wait a number of seconds, then echo the given text.", runSleepEcho),
	}
}

// RegisterBuiltins adds the demo tools to the registry and grants them
// chain-initiator rights on the gate.
func RegisterBuiltins(reg *Registry, gate *Gate) error {
	for _, def := range Builtins() {
		if err := reg.Register(def); err != nil {
			return err
		}
		gate.Register(def.Name, true)
	}
	return nil
}

func runClock(_ context.Context, args clockArgs) ([]string, error) {
	now := time.Now()
	switch args.Format {
	case "", "rfc3339":
		return []string{now.Format(time.RFC3339)}, nil
	case "unix":
		return []string{fmt.Sprintf("%d", now.Unix())}, nil
	default:
		return []string{now.Format(args.Format)}, nil
	}
}

func runSleepEcho(ctx context.Context, args sleepEchoArgs) ([]string, error) {
	if args.Seconds < 0 {
		return nil, fmt.Errorf("seconds must not be negative")
	}
	select {
	case <-time.After(time.Duration(args.Seconds) * time.Second):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return []string{args.Text}, nil
}
