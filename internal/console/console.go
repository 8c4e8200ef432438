// Package console reads navigation and subscription commands from a line
// stream, typically stdin while the stream runs.
package console

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/zsprackett/eventsync/internal/filter"
	"github.com/zsprackett/eventsync/internal/route"
)

// Subscriber pushes subscription changes to the server.
type Subscriber interface {
	UpdateFilter(f filter.Filter) error
	AddOperationFilter(uuid string) error
}

type Console struct {
	routes  *route.Tracker
	filters *filter.Holder
	sub     Subscriber
	out     io.Writer
	// OnFilter, when set, is called with every filter the console installs.
	OnFilter func(filter.Filter)
}

func New(routes *route.Tracker, filters *filter.Holder, sub Subscriber, out io.Writer) *Console {
	return &Console{routes: routes, filters: filters, sub: sub, out: out}
}

const help = `commands:
  route <path>               open /project/{key}[/application|pipeline|workflow/{name}[/run/{n}[/node/{id}]]]
  where                      show the open route
  mute <project> <workflow>  keep a workflow's runs out of the timeline
  unmute <project> <workflow>
  op <uuid>                  follow an operation
  filter                     show the active filter
  quit`

// Run executes commands read from in. It returns nil when quit is read and
// io.EOF when in is exhausted.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		quit, err := c.Exec(sc.Text())
		if err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return io.EOF
}

// Exec runs one command line. It reports whether the line asked to quit.
func (c *Console) Exec(line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "quit", "exit":
		return true, nil
	case "help", "?":
		fmt.Fprintln(c.out, help)
	case "route", "cd":
		path := "/"
		if len(args) > 0 {
			path = args[0]
		}
		rc, err := route.Parse(path)
		if err != nil {
			return false, err
		}
		c.routes.Set(rc)
		fmt.Fprintf(c.out, "viewing %s\n", rc.Path())
	case "where":
		fmt.Fprintln(c.out, c.routes.Current().Path())
	case "mute", "unmute":
		if len(args) != 2 {
			return false, fmt.Errorf("usage: %s <project> <workflow>", cmd)
		}
		f, _ := c.filters.Get()
		if cmd == "mute" {
			f = f.Mute(args[0], args[1])
		} else {
			f = f.Unmute(args[0], args[1])
		}
		if err := c.sub.UpdateFilter(f); err != nil {
			return false, err
		}
		c.installed()
		fmt.Fprintf(c.out, "%sd %s/%s\n", cmd, args[0], args[1])
	case "op":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: op <uuid>")
		}
		if err := c.sub.AddOperationFilter(args[0]); err != nil {
			return false, err
		}
		c.installed()
		fmt.Fprintf(c.out, "following operation %s\n", args[0])
	case "filter":
		f, _ := c.filters.Get()
		data, err := json.Marshal(f)
		if err != nil {
			return false, err
		}
		fmt.Fprintln(c.out, string(data))
	default:
		return false, fmt.Errorf("unknown command %q (try help)", cmd)
	}
	return false, nil
}

func (c *Console) installed() {
	if c.OnFilter == nil {
		return
	}
	f, _ := c.filters.Get()
	c.OnFilter(f)
}
