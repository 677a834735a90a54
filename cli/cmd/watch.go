package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"rendernet/pkg/api/stream"
	clientstream "rendernet/pkg/clients/stream"
	"rendernet/pkg/config"
	"rendernet/pkg/logging"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// channelFlags selects the stream channels a command follows.
type channelFlags struct {
	group   string
	jobs    []string
	nodes   []string
	wallets []string
	network bool
}

func (f *channelFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.group, "group", string(stream.GroupJobs), "endpoint group: jobs|nodes|network")
	cmd.Flags().StringSliceVar(&f.jobs, "job", nil, "job ID to follow (repeatable)")
	cmd.Flags().StringSliceVar(&f.nodes, "node", nil, "node ID to follow (repeatable)")
	cmd.Flags().StringSliceVar(&f.wallets, "wallet", nil, "wallet address to follow (repeatable)")
	cmd.Flags().BoolVar(&f.network, "network", false, "follow network statistics")
}

// apply registers the selected channels; they are sent once connected.
func (f *channelFlags) apply(m *clientstream.Manager) error {
	for _, id := range f.jobs {
		if err := m.SubscribeToJob(id); err != nil {
			return err
		}
	}
	for _, id := range f.nodes {
		if err := m.SubscribeToNode(id); err != nil {
			return err
		}
	}
	for _, addr := range f.wallets {
		if err := m.SubscribeToWallet(addr); err != nil {
			return err
		}
	}
	if f.network {
		return m.SubscribeToNetworkStats()
	}
	return nil
}

func newStreamManager(s config.Settings, logger logging.Logger, metrics *clientstream.Metrics) *clientstream.Manager {
	return clientstream.NewManager(clientstream.Config{
		BaseURL:              s.StreamURL,
		Token:                s.APIKey,
		ReconnectDelay:       s.ReconnectDelay,
		MaxReconnectAttempts: s.MaxReconnectAttempts,
		Logger:               logger,
		Metrics:              metrics,
	})
}

func newWatchCmd() *cobra.Command {
	var cf channelFlags
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print live events from the stream",
		Long: `Connect to the event stream and print events until interrupted.

Examples:
  renderctl watch --job 7f3c --job 91aa
  renderctl watch --group network --network
  renderctl watch --group nodes --node gpu-node-12 --output json
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := loadSettings()
			if err := s.Validate(); err != nil {
				return err
			}
			logger := newLogger("renderctl")
			m := newStreamManager(s, logger, nil)
			if err := cf.apply(m); err != nil {
				return err
			}

			p := &eventPrinter{w: cmd.OutOrStdout(), json: output == "json"}
			m.SubscribeAll(p.print)

			if err := m.Connect(cmd.Context(), stream.ChannelGroup(cf.group)); err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer func() { _ = m.Disconnect() }()

			fmt.Fprintf(cmd.ErrOrStderr(), "Watching %s (%s). Ctrl-C to stop.\n", cf.group, strings.Join(m.Channels(), ", "))
			<-cmd.Context().Done()
			return nil
		},
	}
	cf.bind(cmd)
	return cmd
}

// eventPrinter writes one line per event. Handlers run on the read loop, so
// writes are serialized here.
type eventPrinter struct {
	mu   sync.Mutex
	w    io.Writer
	json bool
}

func (p *eventPrinter) print(ev stream.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.json {
		return writeJSONLine(p.w, ev)
	}
	_, err := fmt.Fprintln(p.w, formatEvent(ev))
	return err
}

func writeJSONLine(w io.Writer, ev stream.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(raw))
	return err
}

// formatEvent renders a human-readable summary line.
func formatEvent(ev stream.Event) string {
	ts := ev.Time()
	if ts.IsZero() {
		ts = time.Now()
	}
	head := fmt.Sprintf("%s %s", ts.Local().Format("15:04:05"), eventColor(ev.Type).Sprint(ev.Type))
	if ev.Channel != "" {
		head += " [" + ev.Channel + "]"
	}

	switch ev.Type.Category() {
	case stream.CategoryJob:
		var d stream.JobEventData
		if err := ev.Decode(&d); err == nil {
			return head + " " + describeJobEvent(ev.Type, d)
		}
	case stream.CategoryNetwork:
		var ns stream.NetworkStats
		if err := ev.Decode(&ns); err == nil && ev.Type == stream.TypeNetworkStats {
			return fmt.Sprintf("%s nodes=%d gpus=%d queued=%d rendering=%d util=%.0f%%",
				head, ns.ActiveNodes, ns.TotalGPUs, ns.QueuedJobs, ns.RenderingJobs, ns.Utilization*100)
		}
	}
	if len(ev.Data) > 0 {
		return head + " " + string(ev.Data)
	}
	return head
}

func describeJobEvent(t stream.EventType, d stream.JobEventData) string {
	parts := []string{d.JobID}
	switch t {
	case stream.TypeJobProgress:
		parts = append(parts, fmt.Sprintf("%.1f%%", d.Progress))
	case stream.TypeJobFrameCompleted:
		parts = append(parts, fmt.Sprintf("frame %d", d.Frame))
	case stream.TypeJobFailed:
		if d.Error != "" {
			parts = append(parts, color.RedString(d.Error))
		}
	default:
		if d.Status != "" {
			parts = append(parts, d.Status)
		}
	}
	if d.NodeID != "" {
		parts = append(parts, "node="+d.NodeID)
	}
	return strings.Join(parts, " ")
}

func eventColor(t stream.EventType) *color.Color {
	switch t {
	case stream.TypeJobCompleted, stream.TypeNodeOnline:
		return color.New(color.FgGreen, color.Bold)
	case stream.TypeJobFailed, stream.TypeNodeOffline:
		return color.New(color.FgRed, color.Bold)
	case stream.TypeJobCancelled:
		return color.New(color.FgYellow)
	}
	switch t.Category() {
	case stream.CategoryJob:
		return color.New(color.FgCyan)
	case stream.CategoryNode:
		return color.New(color.FgBlue)
	case stream.CategoryWallet:
		return color.New(color.FgMagenta)
	default:
		return color.New(color.FgWhite)
	}
}
