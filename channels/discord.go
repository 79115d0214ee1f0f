package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

// DiscordConfig configures the Discord connection.
type DiscordConfig struct {
	// Token is passed to discordgo verbatim. Bot tokens need the "Bot " prefix.
	Token string
	// Intents overrides the gateway intents. Defaults to GuildMessages +
	// MessageContent, which is what embed-bearing MessageCreate events need.
	Intents int
	// Buffer is the size of the inbound queue between the gateway goroutine
	// and Listen. Defaults to 1024.
	Buffer int
}

// discordSession is the subset of *discordgo.Session used here.
type discordSession interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
}

// DiscordOption configures a Discord source.
type DiscordOption func(*Discord)

// WithDiscordLogger sets the logger used for gateway lifecycle events.
func WithDiscordLogger(l *slog.Logger) DiscordOption {
	return func(d *Discord) { d.logger = l }
}

// Discord implements Source on top of a discordgo session.
type Discord struct {
	sess    discordSession
	logger  *slog.Logger
	inbound chan Message
	closeCh chan struct{}
	remove  []func()

	mu     sync.Mutex
	closed bool
	status ChannelStatus
}

// NewDiscord builds a Discord source. Call Open to connect the gateway;
// REST calls (Resolve, FetchPage) work before the gateway is ready.
func NewDiscord(cfg DiscordConfig, opts ...DiscordOption) (*Discord, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord: token is required")
	}
	s, err := discordgo.New(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: new session: %w", err)
	}
	intents := discordgo.Intent(cfg.Intents)
	if intents == 0 {
		intents = discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
	}
	s.Identify.Intents = intents
	// Run handlers on the gateway goroutine so MessageCreate events reach
	// the inbound queue in the order Discord sent them.
	s.SyncEvents = true
	return newDiscord(s, cfg.Buffer, opts...), nil
}

func newDiscord(sess discordSession, buffer int, opts ...DiscordOption) *Discord {
	if buffer <= 0 {
		buffer = 1024
	}
	d := &Discord{
		sess:    sess,
		logger:  slog.Default(),
		inbound: make(chan Message, buffer),
		closeCh: make(chan struct{}),
		status: ChannelStatus{
			Platform:  "discord",
			AuthState: "token_set",
		},
	}
	for _, o := range opts {
		o(d)
	}
	d.remove = append(d.remove,
		sess.AddHandler(d.onReady),
		sess.AddHandler(d.onDisconnect),
		sess.AddHandler(d.onMessageCreate),
	)
	return d
}

// Open connects the gateway WebSocket.
func (d *Discord) Open() error {
	if err := d.sess.Open(); err != nil {
		d.mu.Lock()
		d.status.Error = err.Error()
		d.mu.Unlock()
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	d.mu.Lock()
	d.status.Connected = true
	d.status.Error = ""
	d.mu.Unlock()
	return nil
}

func (d *Discord) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	user := ""
	if r != nil && r.User != nil {
		user = r.User.String()
	}
	d.mu.Lock()
	d.status.Connected = true
	d.status.AuthState = "ready"
	d.status.User = user
	d.mu.Unlock()
	d.logger.Info("discord gateway ready", "user", user)
}

func (d *Discord) onDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	d.mu.Lock()
	d.status.Connected = false
	d.status.AuthState = "disconnected"
	d.mu.Unlock()
	d.logger.Warn("discord gateway disconnected")
}

func (d *Discord) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil {
		return
	}
	msg := convertMessage(m.Message)
	select {
	case <-d.closeCh:
		return
	default:
	}
	select {
	case d.inbound <- msg:
		d.mu.Lock()
		d.status.LastMessage = time.Now()
		d.mu.Unlock()
	default:
		d.mu.Lock()
		d.status.Dropped++
		d.mu.Unlock()
		d.logger.Warn("discord inbound buffer full, message dropped",
			"channel", msg.ChannelID, "message_id", msg.ID)
	}
}

// Resolve reports *ErrChannelNotFound for any lookup failure: a channel the
// connection cannot read is as useless as one that does not exist.
func (d *Discord) Resolve(ctx context.Context, channelID string) error {
	if channelID == "" {
		return &ErrChannelNotFound{Channel: channelID}
	}
	if _, err := d.sess.Channel(channelID, discordgo.WithContext(ctx)); err != nil {
		return &ErrChannelNotFound{Channel: channelID, Cause: err}
	}
	return nil
}

func (d *Discord) FetchPage(ctx context.Context, channelID string, opts PageOptions) ([]Message, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, &ErrFetchFailed{Channel: channelID, Before: opts.Before, Cause: &ErrClosed{Platform: "discord"}}
	}

	raw, err := d.sess.ChannelMessages(channelID, clampLimit(opts.Limit), opts.Before, "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, &ErrFetchFailed{Channel: channelID, Before: opts.Before, Cause: err}
	}
	out := make([]Message, 0, len(raw))
	for _, m := range raw {
		if m == nil {
			continue
		}
		out = append(out, convertMessage(m))
	}
	return out, nil
}

func (d *Discord) Listen(ctx context.Context) <-chan Message {
	ch := make(chan Message)
	go func() {
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.closeCh:
				return
			case msg := <-d.inbound:
				select {
				case ch <- msg:
				case <-ctx.Done():
					return
				case <-d.closeCh:
					return
				}
			}
		}
	}()
	return ch
}

func (d *Discord) Status() ChannelStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *Discord) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.closeCh)
	d.status.Connected = false
	d.status.AuthState = "disconnected"
	remove := d.remove
	d.remove = nil
	d.mu.Unlock()

	for _, fn := range remove {
		if fn != nil {
			fn()
		}
	}
	return d.sess.Close()
}

func convertMessage(m *discordgo.Message) Message {
	msg := Message{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
	if m.Author != nil {
		msg.AuthorID = m.Author.ID
	}
	for _, e := range m.Embeds {
		if e == nil {
			continue
		}
		msg.Embeds = append(msg.Embeds, convertEmbed(e))
	}
	return msg
}

func convertEmbed(e *discordgo.MessageEmbed) Embed {
	out := Embed{
		Title:       e.Title,
		Description: e.Description,
	}
	for _, f := range e.Fields {
		if f == nil {
			continue
		}
		out.Fields = append(out.Fields, EmbedField{Name: f.Name, Value: f.Value, Inline: f.Inline})
	}
	if raw, err := json.Marshal(e); err == nil {
		out.Raw = raw
	}
	return out
}
