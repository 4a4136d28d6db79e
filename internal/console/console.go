// Package console implements the interactive operator menu shown while the
// proxy runs in the foreground.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/jpillora/sizestr"
	"github.com/olekukonko/tablewriter"

	"proxy-ify/internal/tunnel"
)

// Prompt is printed before every command.
const Prompt = "Command [? for help] >"

const clearScreen = "\033[H\033[2J"

// Tunnels is the view of the tunnel registry the console needs.
type Tunnels interface {
	Metadata() []tunnel.Metadata
	Count() int
}

// Connections reports admission state.
type Connections interface {
	Active() int64
	Max() int64
}

// Console reads operator commands from in and writes results to out.
type Console struct {
	in      io.Reader
	out     io.Writer
	tunnels Tunnels
	conns   Connections
	quit    context.CancelFunc
}

// New returns a Console. quit is called when the operator asks to exit.
func New(in io.Reader, out io.Writer, tunnels Tunnels, conns Connections, quit context.CancelFunc) *Console {
	return &Console{in: in, out: out, tunnels: tunnels, conns: conns, quit: quit}
}

// Run processes commands until the operator quits, ctx ends or input is
// exhausted. End of input leaves the proxy running.
func (c *Console) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(c.in)
	for {
		if ctx.Err() != nil {
			return nil
		}
		fmt.Fprint(c.out, Prompt+" ")
		if !scanner.Scan() {
			fmt.Fprintln(c.out)
			return scanner.Err()
		}
		if c.Execute(scanner.Text()) {
			return nil
		}
	}
}

// Execute runs a single command line and reports whether it was a quit.
func (c *Console) Execute(line string) (quit bool) {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "":
	case "?":
		c.menu()
	case "c", "cls":
		fmt.Fprint(c.out, clearScreen)
	case "q", "quit":
		if c.quit != nil {
			c.quit()
		}
		return true
	case "tunnels":
		c.listTunnels()
	case "stats":
		c.stats()
	default:
		fmt.Fprintf(c.out, "Unknown command %q, enter ? for help\n", strings.TrimSpace(line))
	}
	return false
}

func (c *Console) menu() {
	fmt.Fprint(c.out, `
--- Available Commands ---
 ?           Help, this menu
 c/cls       Clear the screen
 q/quit      Exit proxy-ify
 tunnels     List current CONNECT tunnels
 stats       Show connection and tunnel counts

`)
}

func (c *Console) listTunnels() {
	tunnels := c.tunnels.Metadata()
	if len(tunnels) == 0 {
		fmt.Fprintln(c.out, "None")
		return
	}

	table := tablewriter.NewWriter(c.out)
	table.SetHeader([]string{"ID", "Created", "Source", "Destination", "Host", "Sent", "Received"})
	for _, m := range tunnels {
		table.Append([]string{
			m.ID,
			m.Created.Format("01/02/2006 15:04:05"),
			m.Source(),
			m.Destination(),
			m.DestHostname + ":" + strconv.Itoa(m.DestHostPort),
			sizestr.ToString(m.BytesClientToServer),
			sizestr.ToString(m.BytesServerToClient),
		})
	}
	table.Render()
}

func (c *Console) stats() {
	fmt.Fprintf(c.out, "Connections: %d active, %d max\n", c.conns.Active(), c.conns.Max())
	fmt.Fprintf(c.out, "Tunnels:     %d\n", c.tunnels.Count())
}
