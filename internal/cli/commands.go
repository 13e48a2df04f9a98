// Package cli implements the interactive operator console of a Courier node.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/courier-project/courier/internal/config"
	"github.com/courier-project/courier/internal/db"
	"github.com/courier-project/courier/internal/events"
	"github.com/courier-project/courier/internal/network"
	"github.com/courier-project/courier/internal/protocol"
)

// Dialer opens outbound stream channels.
type Dialer interface {
	Dial(ctx context.Context, addr string) (*network.Conn, error)
}

// SnapshotReader reads stored traffic snapshots.
type SnapshotReader interface {
	LatestSnapshots(limit int) ([]db.SnapshotRecord, error)
}

// CLI provides an interactive command-line interface.
type CLI struct {
	cfg      *config.Config
	eventBus *events.EventBus
	iface    *network.NetworkInterface
	channels *network.ChannelRegistry
	messages *protocol.Registry

	// Optional collaborators.
	dialer  Dialer
	history SnapshotReader

	in  io.Reader
	out io.Writer
}

// NewCLI creates a new CLI handler reading commands from in and writing to out.
func NewCLI(cfg *config.Config, eventBus *events.EventBus, iface *network.NetworkInterface,
	channels *network.ChannelRegistry, messages *protocol.Registry, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		cfg:      cfg,
		eventBus: eventBus,
		iface:    iface,
		channels: channels,
		messages: messages,
		in:       in,
		out:      out,
	}
}

// SetDependencies injects optional collaborators once they exist.
func (c *CLI) SetDependencies(dialer Dialer, history SnapshotReader) {
	c.dialer = dialer
	c.history = history
}

// Start runs the command loop until ctx is done or input ends.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nCourier CLI ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.out, "courier> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := c.Execute(ctx, line); err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
		}
	}
}

// Execute runs one command line.
func (c *CLI) Execute(ctx context.Context, line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "stats", "s":
		c.printStats()
	case "channels", "ch":
		c.printChannels()
	case "messages", "msgs":
		c.printMessages()
	case "pools":
		c.printPools()
	case "history":
		return c.printHistory(args)
	case "send":
		return c.cmdSend(args)
	case "broadcast", "bc":
		return c.cmdBroadcast(args)
	case "close":
		return c.cmdClose(args)
	case "dial":
		return c.cmdDial(ctx, args)
	case "setpacket":
		return c.cmdSetPacket(ctx, args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down Courier...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	tw := c.table([]string{"Command", "Description"})
	tw.AppendBulk([][]string{
		{"stats", "Show traffic counters per message"},
		{"channels", "List open channels"},
		{"messages", "List registered messages"},
		{"pools", "Show packet pool counters"},
		{"history [n]", "Show the last n stored snapshots"},
		{"send <channel> <message> [text]", "Send a message on one channel"},
		{"broadcast <message> [text]", "Send a message on every channel"},
		{"close <channel>", "Close a channel"},
		{"dial <host:port>", "Open a stream channel to a peer"},
		{"setpacket <key> <value>", "Update a packet policy field"},
		{"quit", "Shutdown Courier"},
	})
	tw.Render()
}

func (c *CLI) table(header []string) *tablewriter.Table {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}

func (c *CLI) printStats() {
	snap := c.iface.Stats().Snapshot()

	tw := c.table([]string{"ID", "Message", "Sent", "Sent Bytes", "Received", "Recv Bytes"})
	for _, m := range snap.Messages {
		tw.Append([]string{
			strconv.Itoa(int(m.ID)),
			m.Name,
			strconv.FormatUint(m.SendCount, 10),
			strconv.FormatUint(m.SendBytes, 10),
			strconv.FormatUint(m.RecvCount, 10),
			strconv.FormatUint(m.RecvBytes, 10),
		})
	}
	tw.SetFooter([]string{"", "packets", strconv.FormatUint(snap.PacketsSent, 10),
		strconv.FormatUint(snap.BytesSent, 10), "discarded", strconv.FormatUint(snap.PacketsDiscarded, 10)})
	tw.Render()
}

func (c *CLI) printChannels() {
	infos := c.channels.Infos()
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })

	tw := c.table([]string{"Channel", "Kind", "Packets", "Bytes", "Discarded", "Idle"})
	for _, info := range infos {
		tw.Append([]string{
			info.ID,
			info.Kind,
			strconv.FormatUint(info.PacketsSent, 10),
			strconv.FormatUint(info.BytesSent, 10),
			strconv.FormatUint(info.PacketsDiscarded, 10),
			time.Since(info.LastActivity).Round(time.Second).String(),
		})
	}
	tw.Render()
}

func (c *CLI) printMessages() {
	tw := c.table([]string{"ID", "Name", "Length"})
	for _, d := range c.messages.All() {
		length := strconv.Itoa(int(d.Length))
		if d.IsVariable() {
			length = "variable"
		}
		tw.Append([]string{strconv.Itoa(int(d.ID)), d.Name, length})
	}
	tw.Render()
}

func (c *CLI) printPools() {
	tw := c.table([]string{"Pool", "Created", "Acquired", "Released", "In Use"})
	for _, p := range c.iface.PoolStats() {
		tw.Append([]string{
			p.Name,
			strconv.FormatInt(p.Created, 10),
			strconv.FormatInt(p.Acquired, 10),
			strconv.FormatInt(p.Released, 10),
			strconv.FormatInt(p.InUse, 10),
		})
	}
	tw.Render()
}

func (c *CLI) printHistory(args []string) error {
	if c.history == nil {
		return fmt.Errorf("stats history is not enabled")
	}
	limit := 10
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("invalid count: %s", args[0])
		}
		limit = n
	}

	snaps, err := c.history.LatestSnapshots(limit)
	if err != nil {
		return err
	}
	tw := c.table([]string{"Snapshot", "Taken At", "Packets", "Bytes", "Discarded"})
	for _, s := range snaps {
		tw.Append([]string{
			strconv.FormatInt(s.ID, 10),
			s.TakenAt.Format(time.RFC3339),
			strconv.FormatUint(s.PacketsSent, 10),
			strconv.FormatUint(s.BytesSent, 10),
			strconv.FormatUint(s.PacketsDiscarded, 10),
		})
	}
	tw.Render()
	return nil
}

// resolveMessage accepts a message name or numeric id.
func (c *CLI) resolveMessage(key string) (*protocol.MessageDescriptor, error) {
	if id, err := strconv.ParseUint(key, 10, 16); err == nil {
		if d, ok := c.messages.Lookup(protocol.MessageID(id)); ok {
			return d, nil
		}
	} else if d, ok := c.messages.ByName(key); ok {
		return d, nil
	}
	return nil, fmt.Errorf("unknown message: %s", key)
}

func (c *CLI) printResult(channel string, res network.TransmitResult) {
	status := "delivered"
	if !res.OK() {
		status = fmt.Sprintf("%d of %d packets discarded", res.DiscardedCount(), res.Packets)
	}
	fmt.Fprintf(c.out, "%s: %d packets, %d bytes, %s\n", channel, res.Packets, res.Bytes, status)
}

func (c *CLI) cmdSend(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: send <channel> <message> [text]")
	}
	ch, ok := c.channels.Get(args[0])
	if !ok {
		return fmt.Errorf("channel not found: %s", args[0])
	}
	desc, err := c.resolveMessage(args[1])
	if err != nil {
		return err
	}

	res, err := ch.Send(desc, []byte(strings.Join(args[2:], " ")))
	if err != nil {
		return err
	}
	c.printResult(ch.ID(), res)
	return nil
}

func (c *CLI) cmdBroadcast(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: broadcast <message> [text]")
	}
	desc, err := c.resolveMessage(args[0])
	if err != nil {
		return err
	}

	results := c.channels.Broadcast(desc, []byte(strings.Join(args[1:], " ")))
	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		c.printResult(id, results[id])
	}
	fmt.Fprintf(c.out, "Broadcast %s to %d channels\n", desc.Name, len(results))
	return nil
}

func (c *CLI) cmdClose(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: close <channel>")
	}
	if _, ok := c.channels.Get(args[0]); !ok {
		return fmt.Errorf("channel not found: %s", args[0])
	}
	c.channels.Unregister(args[0])
	fmt.Fprintf(c.out, "Channel %s closed\n", args[0])
	return nil
}

func (c *CLI) cmdDial(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: dial <host:port>")
	}
	if c.dialer == nil {
		return fmt.Errorf("outbound dialing is not available")
	}
	conn, err := c.dialer.Dial(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Channel %s opened\n", conn.ID())
	return nil
}

func (c *CLI) cmdSetPacket(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: setpacket <key> <value>")
	}
	key := args[0]
	raw := strings.Join(args[1:], " ")

	var value interface{}
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		value = raw
	}

	previous := c.cfg.GetPacket()
	if err := c.cfg.UpdatePacketField(key, value); err != nil {
		return err
	}
	if result := config.Validate(c.cfg); !result.IsValid() {
		c.cfg.SetPacket(previous)
		return result.Errors[0]
	}
	if err := c.cfg.Save(); err != nil {
		return err
	}

	c.eventBus.Emit(ctx, events.Event{
		Type:   events.EventConfigChanged,
		Source: "cli",
		Payload: events.ConfigChangedPayload{
			Section: "packet",
			Key:     key,
			Value:   value,
		},
	})
	fmt.Fprintf(c.out, "Packet policy updated: %s = %s (applies after restart)\n", key, raw)
	return nil
}
