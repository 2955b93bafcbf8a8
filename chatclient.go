// Package chatclient implements the real-time messaging client core
// for the consultation chat application: a persistent socket
// connection with automatic recovery, an optimistic per-conversation
// message log with at-least-once delivery, reconciliation of local
// identifiers with server-confirmed ones, and a debounced connection
// status banner.
//
// Example:
//
//	client := chatclient.New(provider, chatclient.NewOptions())
//
//	client.OnMessageUpdate(func(msg pipeline.Message) {
//	    render(msg)
//	})
//	client.OnBanner(func(b status.Banner) {
//	    showBanner(b)
//	})
//
//	if err := client.Connect(); err != nil {
//	    log.Fatal(err)
//	}
//
//	msg, err := client.SubmitText("conv_17", "Hello!")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("optimistic entry:", msg.LocalID)
package chatclient

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/opd-ai/chatclient/api"
	"github.com/opd-ai/chatclient/connection"
	"github.com/opd-ai/chatclient/media"
	"github.com/opd-ai/chatclient/pipeline"
	"github.com/opd-ai/chatclient/protocol"
	"github.com/opd-ai/chatclient/sched"
	"github.com/opd-ai/chatclient/status"
)

// SessionProvider supplies credentials for both the socket and the
// REST surface. It is consulted fresh on every attempt and request.
type SessionProvider interface {
	connection.SessionProvider
	api.TokenProvider
}

// Options contains configuration for creating a Client. Nil
// sub-options use their package defaults.
type Options struct {
	Connection *connection.Options
	Pipeline   *pipeline.Options
	Status     *status.Options

	// Dialer overrides the socket dialer. Nil uses the WebSocket
	// dialer; tests substitute in-memory fakes.
	Dialer connection.Dialer

	// APIBaseURL is the base of the out-of-band REST surface. Empty
	// disables the REST client.
	APIBaseURL string

	// HTTPClient overrides the client used for REST calls.
	HTTPClient *http.Client
}

// NewOptions creates a new default Options.
func NewOptions() *Options {
	return &Options{
		Connection: connection.NewOptions(),
		Pipeline:   pipeline.NewOptions(),
		Status:     status.NewOptions(),
	}
}

// Client composes the messaging core. The presentation layer reads
// snapshots and invokes operations; it never mutates internal state.
type Client struct {
	opts      *Options
	scheduler *sched.Scheduler
	conn      *connection.Manager
	pipe      *pipeline.Pipeline
	resolver  *media.Resolver
	projector *status.Projector
	rest      *api.Client

	shutdownOnce sync.Once
}

// New wires the core together. The client starts disconnected; call
// Connect to bring the socket up.
func New(provider SessionProvider, opts *Options) *Client {
	if opts == nil {
		opts = NewOptions()
	}

	scheduler := sched.New()
	dialer := opts.Dialer
	if dialer == nil {
		ws := &connection.WebSocketDialer{}
		if opts.Connection != nil {
			ws.HandshakeTimeout = opts.Connection.DialTimeout
		}
		dialer = ws
	}

	conn := connection.NewManager(provider, dialer, scheduler, opts.Connection)
	pipe := pipeline.New(conn, scheduler, opts.Pipeline)
	resolver := media.New(pipe)
	projector := status.New(conn, scheduler, opts.Status)

	var rest *api.Client
	if opts.APIBaseURL != "" {
		rest = api.NewClient(opts.APIBaseURL, provider, opts.HTTPClient)
	}

	return &Client{
		opts:      opts,
		scheduler: scheduler,
		conn:      conn,
		pipe:      pipe,
		resolver:  resolver,
		projector: projector,
		rest:      rest,
	}
}

// Connect starts the connection state machine. No-op while an attempt
// is in flight or the socket is already up.
func (c *Client) Connect() error {
	return c.conn.Connect()
}

// Shutdown tears the whole core down: socket, reconnect timers,
// acknowledgement timers, debounce timers. Idempotent.
func (c *Client) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.conn.Shutdown()
		c.pipe.Close()
		c.scheduler.Close()
	})
}

// ConnectionState returns the raw connection state.
func (c *Client) ConnectionState() connection.State {
	return c.conn.State()
}

// RetryContext returns the reconnection bookkeeping snapshot.
func (c *Client) RetryContext() connection.RetryContext {
	return c.conn.Retry()
}

// Submit creates an optimistic message in a conversation.
func (c *Client) Submit(conversationID string, content protocol.Content) (pipeline.Message, error) {
	return c.pipe.Submit(conversationID, content)
}

// SubmitText is shorthand for submitting a plain text message.
func (c *Client) SubmitText(conversationID, text string) (pipeline.Message, error) {
	return c.pipe.Submit(conversationID, protocol.Content{Kind: protocol.KindText, Text: text})
}

// RetryMessage re-attempts delivery of a failed message under its
// original local ID.
func (c *Client) RetryMessage(localID string) error {
	return c.pipe.Retry(localID)
}

// DeleteMessage removes a message whose delete affordance is active.
func (c *Client) DeleteMessage(localID string) error {
	return c.pipe.Delete(localID)
}

// Messages returns a snapshot of one conversation log.
func (c *Client) Messages(conversationID string) []pipeline.Message {
	return c.pipe.Messages(conversationID)
}

// TeardownConversation drops a conversation log and cancels the
// timers it owns.
func (c *Client) TeardownConversation(conversationID string) {
	c.pipe.Teardown(conversationID)
}

// OnMessageUpdate registers an observer for created or mutated
// messages.
func (c *Client) OnMessageUpdate(cb pipeline.UpdateCallback) {
	c.pipe.OnUpdate(cb)
}

// OnMessageRemove registers an observer for messages leaving a log.
func (c *Client) OnMessageRemove(cb pipeline.RemoveCallback) {
	c.pipe.OnRemove(cb)
}

// OnBanner registers an observer for the projected status banner.
func (c *Client) OnBanner(cb status.ChangeCallback) {
	c.projector.OnChange(cb)
}

// Banner returns the currently projected status banner.
func (c *Client) Banner() status.Banner {
	return c.projector.Banner()
}

// NewLocalMediaKey generates a temporary media key for a new
// attachment preview.
func (c *Client) NewLocalMediaKey() string {
	return media.NewLocalKey()
}

// AttachMedia registers a pending media reference with its locally
// owned preview resource.
func (c *Client) AttachMedia(localKey string, handle *media.PreviewHandle) error {
	return c.resolver.Attach(localKey, handle)
}

// ResolveMedia records the durable key for an uploaded attachment,
// rewriting every referencing message and releasing the preview
// exactly once.
func (c *Client) ResolveMedia(localKey, remoteKey string) error {
	return c.resolver.Resolve(localKey, remoteKey)
}

// AbandonMedia releases the preview for a reference that will never
// resolve.
func (c *Client) AbandonMedia(localKey string) {
	c.resolver.Abandon(localKey)
}

// UploadAttachment uploads attachment data through the REST surface
// and resolves the local reference with the key the server issued. On
// failure the reference stays registered and the failure surfaces on
// the referencing messages.
func (c *Client) UploadAttachment(ctx context.Context, localKey, filename, contentType string, r io.Reader) (string, error) {
	if c.rest == nil {
		return "", ErrNoAPIClient
	}
	remoteKey, err := c.rest.UploadMedia(ctx, filename, contentType, r)
	if err != nil {
		c.resolver.Fail(localKey, err)
		return "", err
	}
	if err := c.resolver.Resolve(localKey, remoteKey); err != nil {
		return "", err
	}
	return remoteKey, nil
}

// RenameConversation updates a conversation title out of band.
func (c *Client) RenameConversation(ctx context.Context, conversationID, title string) error {
	if c.rest == nil {
		return ErrNoAPIClient
	}
	return c.rest.RenameConversation(ctx, conversationID, title)
}

// Synthesize converts text to playable audio for an agent voice.
func (c *Client) Synthesize(ctx context.Context, text, agentID string) ([]byte, error) {
	if c.rest == nil {
		return nil, ErrNoAPIClient
	}
	return c.rest.Synthesize(ctx, text, agentID)
}
