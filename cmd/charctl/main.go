// Command charctl reads and edits records on a running character server.
//
// Usage:
//
//	charctl [--addr host:port] [--timeout d] <command> [args]
//
// Commands:
//
//	get-all
//	get <id>
//	add --name N --surname S --age A --bio B
//	update <id> [--name N] [--surname S] [--age A] [--bio B]
//	remove <id>
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/cyberinferno/character-server/character"
	"github.com/cyberinferno/character-server/client"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "charctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	flags := pflag.NewFlagSet("charctl", pflag.ContinueOnError)
	flags.SetInterspersed(false)
	addr := flags.String("addr", "127.0.0.1:12345", "server address")
	timeout := flags.Duration("timeout", 10*time.Second, "timeout for the whole command")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flags.NArg() == 0 {
		return errors.New("missing command: get-all, get, add, update or remove")
	}

	cfg := client.DefaultConfig(*addr)
	cfg.MaxConns = 1
	cfg.Breaker.Disabled = true
	c, err := client.New(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	cmd, rest := flags.Arg(0), flags.Args()[1:]
	switch cmd {
	case "get-all":
		all, err := c.GetAll(ctx)
		if err != nil {
			return err
		}
		return printCharacters(out, all)

	case "get":
		id, err := parseID(rest)
		if err != nil {
			return err
		}
		ch, err := c.GetOne(ctx, id)
		if err != nil {
			return fmt.Errorf("get %d: %w", id, err)
		}
		return printCharacters(out, []character.Character{ch})

	case "add":
		var ch character.Character
		if _, err := parseFields(cmd, rest, &ch, true); err != nil {
			return err
		}
		if err := c.Add(ctx, ch); err != nil {
			return fmt.Errorf("add: %w", err)
		}
		fmt.Fprintln(out, "added")
		return nil

	case "update":
		id, err := parseID(rest)
		if err != nil {
			return err
		}
		ch, err := c.GetOne(ctx, id)
		if err != nil {
			return fmt.Errorf("get %d: %w", id, err)
		}
		changed, err := parseFields(cmd, rest[1:], &ch, false)
		if err != nil {
			return err
		}
		if !changed {
			return errors.New("update: nothing to change")
		}
		if err := c.Update(ctx, ch); err != nil {
			return fmt.Errorf("update %d: %w", id, err)
		}
		fmt.Fprintln(out, "updated")
		return nil

	case "remove":
		id, err := parseID(rest)
		if err != nil {
			return err
		}
		if err := c.Remove(ctx, id); err != nil {
			return fmt.Errorf("remove %d: %w", id, err)
		}
		fmt.Fprintln(out, "removed")
		return nil

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func parseID(args []string) (int32, error) {
	if len(args) == 0 {
		return 0, errors.New("missing record id")
	}
	id, err := strconv.ParseInt(args[0], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid record id %q: %w", args[0], err)
	}
	return int32(id), nil
}

// parseFields applies the record flags in args to ch. With all set, every
// flag is required. It reports whether any field was given.
func parseFields(cmd string, args []string, ch *character.Character, all bool) (bool, error) {
	fs := pflag.NewFlagSet(cmd, pflag.ContinueOnError)
	name := fs.String("name", ch.Name, "first name")
	surname := fs.String("surname", ch.Surname, "surname")
	age := fs.Uint8("age", ch.Age, "age, 1 to 255")
	bio := fs.String("bio", ch.Bio, "biography")

	if err := fs.Parse(args); err != nil {
		return false, err
	}

	changed := false
	for _, f := range []string{"name", "surname", "age", "bio"} {
		if fs.Changed(f) {
			changed = true
		} else if all {
			return false, fmt.Errorf("%s: --%s is required", cmd, f)
		}
	}

	ch.Name, ch.Surname, ch.Age, ch.Bio = *name, *surname, *age, *bio
	if err := ch.Validate(); err != nil {
		return false, err
	}
	return changed, nil
}

func printCharacters(out io.Writer, cs []character.Character) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSURNAME\tAGE\tBIO")
	for _, ch := range cs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n", ch.ID, ch.Name, ch.Surname, ch.Age, ch.Bio)
	}
	return tw.Flush()
}
