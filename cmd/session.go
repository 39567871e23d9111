package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BioHazard786/peerstream/internal/chathistory"
	"github.com/BioHazard786/peerstream/internal/config"
	"github.com/BioHazard786/peerstream/internal/media"
	"github.com/BioHazard786/peerstream/internal/peer"
	"github.com/BioHazard786/peerstream/internal/signaling"
	"github.com/BioHazard786/peerstream/internal/ui"
)

const connectTimeout = 15 * time.Second

// sessionParams is everything stream and join have in common.
type sessionParams struct {
	cfg       *config.Config
	role      peer.Role
	room      string
	name      string
	local     media.Source
	mic       *media.Microphone
	recordDir string
}

// runSession connects to the relay, runs the chat screen until the stream
// ends or the user leaves, then prints a summary.
func runSession(ctx context.Context, p sessionParams) error {
	// Local media is ours to stop until the orchestrator takes it over.
	handedOff := false
	defer func() {
		if !handedOff && p.local != nil {
			p.local.Stop()
		}
	}()

	sinks := media.SinkFactory(media.DiscardSinks)
	if p.recordDir != "" {
		rec, err := media.RecorderSinks(p.recordDir)
		if err != nil {
			return err
		}
		sinks = rec
	}

	history := openHistory()
	past := loadHistory(history, p.room)

	sp := ui.NewConnectionSpinner("Connecting to relay...")
	sp.Start()
	client := signaling.NewClient(p.cfg.WebSocketURL(p.room))
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		sp.Error("Could not reach the relay")
		return peer.NewError("connect to relay", err)
	}
	sp.Success("Connected to relay")

	stats := newTracker()
	title := ui.IconLive + " Streaming in room " + p.room
	status := "waiting for viewers"
	if p.role == peer.RoleViewer {
		title = ui.IconScreen + " Watching room " + p.room
		status = "waiting for the streamer"
	}

	var (
		screen *ui.Chat
		o      *peer.Orchestrator
	)
	record := func(kind chathistory.Kind, name, text string) {
		if history == nil {
			return
		}
		if err := history.Append(p.room, chathistory.Entry{Name: name, Text: text, Kind: kind}); err != nil {
			slog.Warn("could not save chat history", "room", p.room, "err", err)
		}
	}

	notifier := peer.NotifierFunc(func(e peer.Event) {
		stats.event(e)
		switch e.Kind {
		case peer.EventStreamEnded:
			screen.End(e.Text)
		case peer.EventConnectionLost:
			if e.Peer == "" {
				screen.End(e.Text)
				return
			}
			fallthrough
		case peer.EventJoined, peer.EventLeft, peer.EventMediaUnavailable, peer.EventError:
			if e.Text == "" {
				return
			}
			screen.Print(ui.Line{Kind: ui.LineSystem, Text: e.Text})
			record(chathistory.KindSystem, "", e.Text)
		}
		screen.SetStatus(statusLine(o, p.role))
	})

	o = peer.New(peer.Options{
		Role:               p.role,
		Name:               p.name,
		Signaler:           client,
		Transports:         peer.PionTransports(p.cfg),
		Media:              p.local,
		Sinks:              sinks,
		Notifier:           notifier,
		NegotiationTimeout: p.cfg.NegotiationTimeout,
	})
	handedOff = true

	to := peer.Broadcast
	if p.role == peer.RoleViewer {
		to = peer.StreamerSessionID
	}
	chatCfg := ui.ChatConfig{
		Title:   title,
		Name:    p.name,
		Status:  status,
		History: past,
		Send: func(text string) error {
			if err := o.Chat().Send(to, text); err != nil {
				return err
			}
			stats.message()
			record(chathistory.KindSelf, p.name, text)
			return nil
		},
		Who: func() string { return ui.PeerTableView(peerRows(o.Sessions())) },
	}
	if p.mic != nil {
		chatCfg.Mute = p.mic.ToggleMute
	}
	screen = ui.NewChat(chatCfg)

	o.Chat().OnReceive(func(from string, msg peer.ChatMessage) {
		stats.message()
		screen.Print(ui.Line{Kind: ui.LinePeer, Name: msg.Name, Text: msg.Text})
		record(chathistory.KindPeer, msg.Name, msg.Text)
	})

	if err := o.Start(); err != nil {
		o.Leave()
		return err
	}
	started := time.Now()
	go signaling.NewHandler(client, o).Start()

	runErr := screen.Run()
	o.Leave()

	reason := o.Reason()
	fmt.Println()
	ui.RenderSessionSummary(ui.SessionSummary{
		Role:     p.role.String(),
		Room:     p.room,
		Reason:   reason.String(),
		Duration: time.Since(started),
		Messages: stats.messages(),
		Peers:    stats.rows(),
	})

	if runErr != nil {
		return fmt.Errorf("chat screen: %w", runErr)
	}
	return nil
}

func statusLine(o *peer.Orchestrator, role peer.Role) string {
	if o == nil {
		return ""
	}
	connected := 0
	for _, s := range o.Sessions() {
		if s.State == peer.StateConnected {
			connected++
		}
	}
	if role == peer.RoleViewer {
		if connected > 0 {
			return "watching"
		}
		if o.InStream() {
			return "connecting to the streamer"
		}
		return "waiting for the streamer"
	}
	switch connected {
	case 0:
		return "waiting for viewers"
	case 1:
		return "1 viewer"
	default:
		return fmt.Sprintf("%d viewers", connected)
	}
}

func peerRows(sessions []peer.SessionInfo) []ui.PeerRow {
	rows := make([]ui.PeerRow, 0, len(sessions))
	for _, s := range sessions {
		row := ui.PeerRow{Name: s.Name, State: s.State.String()}
		if !s.ConnectedAt.IsZero() {
			row.Connected = time.Since(s.ConnectedAt)
		}
		rows = append(rows, row)
	}
	return rows
}

func openHistory() *chathistory.FileStore {
	store, err := chathistory.NewFileStore("")
	if err != nil {
		slog.Warn("chat history disabled", "err", err)
		return nil
	}
	return store
}

func loadHistory(store *chathistory.FileStore, room string) []ui.Line {
	if store == nil {
		return nil
	}
	entries, err := store.Load(room)
	if err != nil {
		slog.Warn("could not load chat history", "room", room, "err", err)
		return nil
	}
	lines := make([]ui.Line, 0, len(entries))
	for _, e := range entries {
		kind := ui.LinePeer
		switch e.Kind {
		case chathistory.KindSelf:
			kind = ui.LineSelf
		case chathistory.KindSystem:
			kind = ui.LineSystem
		}
		lines = append(lines, ui.Line{Kind: kind, Name: e.Name, Text: e.Text, At: e.At})
	}
	return lines
}

// openMicrophone degrades to no microphone when path cannot be used.
func openMicrophone(path string) *media.Microphone {
	if path == "" {
		return nil
	}
	mic, err := media.OpenMicrophone(path)
	if err != nil {
		if errors.Is(err, media.ErrUnavailable) {
			ui.PrintWarningf("Microphone unavailable, continuing without it: %v", err)
		} else {
			ui.PrintWarningf("Microphone failed, continuing without it: %v", err)
		}
		return nil
	}
	return mic
}

// tracker collects what the summary table shows.
type tracker struct {
	mu    sync.Mutex
	order []string
	peers map[string]*peerStat
	count int
}

type peerStat struct {
	name        string
	state       string
	connectedAt time.Time
	connected   time.Duration
}

func newTracker() *tracker {
	return &tracker{peers: make(map[string]*peerStat)}
}

func (t *tracker) event(e peer.Event) {
	if e.Peer == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.peers[e.Peer]
	if !ok {
		st = &peerStat{name: e.Name}
		t.peers[e.Peer] = st
		t.order = append(t.order, e.Peer)
	}
	if e.Name != "" {
		st.name = e.Name
	}

	switch e.Kind {
	case peer.EventJoined:
		st.state = "joined"
	case peer.EventConnected:
		st.state = "connected"
		st.connectedAt = time.Now()
	case peer.EventLeft, peer.EventConnectionLost:
		st.state = "left"
		if !st.connectedAt.IsZero() {
			st.connected += time.Since(st.connectedAt)
			st.connectedAt = time.Time{}
		}
	}
}

func (t *tracker) message() {
	t.mu.Lock()
	t.count++
	t.mu.Unlock()
}

func (t *tracker) messages() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

func (t *tracker) rows() []ui.PeerRow {
	t.mu.Lock()
	defer t.mu.Unlock()
	rows := make([]ui.PeerRow, 0, len(t.order))
	for _, id := range t.order {
		st := t.peers[id]
		d := st.connected
		if !st.connectedAt.IsZero() {
			d += time.Since(st.connectedAt)
		}
		rows = append(rows, ui.PeerRow{Name: st.name, State: st.state, Connected: d})
	}
	return rows
}
