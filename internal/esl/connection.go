// Package esl implements the softswitch adapter: a FreeSWITCH Event
// Socket Library client that authenticates, subscribes to the channel
// lifecycle events the billing core cares about, and exposes both a
// command/response API and an event stream to the call state
// coordinator.
package esl

import (
    "bufio"
    "context"
    "fmt"
    "net"
    "strconv"
    "strings"
    "sync"
    "sync/atomic"
    "time"

    "github.com/telecom/billingcore/pkg/billingerr"
    "github.com/telecom/billingcore/pkg/logger"
)

// Event is a flattened header map for one ESL event or command response.
// Event-plain bodies are parsed and their keys merged into the same map
// by readMessage, mirroring how the wire format nests an inner event
// inside an outer one.
type Event map[string]string

func (e Event) Name() string       { return e["Event-Name"] }
func (e Event) UniqueID() string {
    if v, ok := e["Unique-ID"]; ok {
        return v
    }
    return e["Channel-Call-UUID"]
}
func (e Event) Caller() string {
    if v, ok := e["Caller-Caller-ID-Number"]; ok {
        return v
    }
    return e["variable_sip_from_user"]
}
func (e Event) Callee() string {
    if v, ok := e["Caller-Destination-Number"]; ok {
        return v
    }
    return e["variable_sip_to_user"]
}
func (e Event) DurationSeconds() int { return atoiOr(e["variable_duration"], 0) }
func (e Event) BillsecSeconds() int  { return atoiOr(e["variable_billsec"], 0) }
func (e Event) HangupCause() string  { return e["Hangup-Cause"] }

func atoiOr(s string, def int) int {
    if s == "" {
        return def
    }
    n, err := strconv.Atoi(s)
    if err != nil {
        return def
    }
    return n
}

type EventHandler func(event Event)

// Config holds one FreeSWITCH server's ESL connection settings.
type Config struct {
    Addr             string
    Password         string
    ConnectTimeout   time.Duration
    ActionTimeout    time.Duration
    PingInterval     time.Duration
    InitialReconnect time.Duration
    MaxReconnect     time.Duration
    EventBufferSize  int
}

func (c *Config) setDefaults() {
    if c.ConnectTimeout == 0 {
        c.ConnectTimeout = 10 * time.Second
    }
    if c.ActionTimeout == 0 {
        c.ActionTimeout = 10 * time.Second
    }
    if c.PingInterval == 0 {
        c.PingInterval = 30 * time.Second
    }
    if c.InitialReconnect == 0 {
        c.InitialReconnect = time.Second
    }
    if c.MaxReconnect == 0 {
        c.MaxReconnect = 60 * time.Second
    }
    if c.EventBufferSize == 0 {
        c.EventBufferSize = 1000
    }
}

// Connection is a single persistent ESL session against one FreeSWITCH
// server, with automatic unbounded exponential-backoff reconnect.
type Connection struct {
    config Config

    mu        sync.RWMutex
    conn      net.Conn
    reader    *bufio.Reader
    connected bool

    eventChan     chan Event
    eventHandlers []EventHandler
    handlersMu    sync.RWMutex

    pendingMu sync.Mutex
    pending   chan Event

    shutdown chan struct{}
    wg       sync.WaitGroup

    totalEvents   uint64
    totalCommands uint64
    failedCmds    uint64
}

func NewConnection(cfg Config) *Connection {
    cfg.setDefaults()
    return &Connection{
        config:    cfg,
        eventChan: make(chan Event, cfg.EventBufferSize),
        shutdown:  make(chan struct{}),
    }
}

// Run connects, authenticates, subscribes to events, and then blocks
// dispatching events to registered handlers and maintaining the
// connection until ctx is cancelled or Close is called. Connection
// failures trigger unbounded exponential-backoff reconnects (capped at
// MaxReconnect), never giving up as long as ctx is alive.
func (c *Connection) Run(ctx context.Context) {
    c.wg.Add(1)
    defer c.wg.Done()

    delay := c.config.InitialReconnect

    for {
        select {
        case <-ctx.Done():
            return
        case <-c.shutdown:
            return
        default:
        }

        if err := c.connectOnce(ctx); err != nil {
            logger.WithError(err).WithField("addr", c.config.Addr).Warn("softswitch connection failed, retrying")
            select {
            case <-ctx.Done():
                return
            case <-c.shutdown:
                return
            case <-time.After(delay):
            }
            delay *= 2
            if delay > c.config.MaxReconnect {
                delay = c.config.MaxReconnect
            }
            continue
        }

        delay = c.config.InitialReconnect
        c.dispatchLoop(ctx)

        select {
        case <-ctx.Done():
            return
        case <-c.shutdown:
            return
        default:
        }
    }
}

func (c *Connection) connectOnce(ctx context.Context) error {
    dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
    conn, err := dialer.DialContext(ctx, "tcp", c.config.Addr)
    if err != nil {
        return billingerr.Wrap(err, billingerr.ErrSoftswitchConnection, "failed to dial softswitch")
    }

    reader := bufio.NewReader(conn)

    greeting, err := readMessage(reader)
    if err != nil {
        conn.Close()
        return billingerr.Wrap(err, billingerr.ErrSoftswitchConnection, "failed to read greeting")
    }
    if greeting["Content-Type"] != "auth/request" {
        conn.Close()
        return billingerr.New(billingerr.ErrSoftswitchConnection, "unexpected greeting from softswitch")
    }

    if err := writeCommand(conn, fmt.Sprintf("auth %s\n\n", c.config.Password)); err != nil {
        conn.Close()
        return billingerr.Wrap(err, billingerr.ErrSoftswitchConnection, "failed to send auth")
    }
    authResp, err := readMessage(reader)
    if err != nil {
        conn.Close()
        return billingerr.Wrap(err, billingerr.ErrSoftswitchConnection, "failed to read auth response")
    }
    if !strings.Contains(authResp["Reply-Text"], "+OK accepted") {
        conn.Close()
        return billingerr.New(billingerr.ErrSoftswitchAuth, "softswitch authentication rejected")
    }

    if err := writeCommand(conn, "event plain CHANNEL_CREATE CHANNEL_ANSWER CHANNEL_HANGUP_COMPLETE\n\n"); err != nil {
        conn.Close()
        return billingerr.Wrap(err, billingerr.ErrSoftswitchConnection, "failed to subscribe to events")
    }
    subResp, err := readMessage(reader)
    if err != nil {
        conn.Close()
        return billingerr.Wrap(err, billingerr.ErrSoftswitchConnection, "failed to read subscription response")
    }
    if !strings.HasPrefix(subResp["Reply-Text"], "+OK") {
        conn.Close()
        return billingerr.New(billingerr.ErrSoftswitchConnection, "event subscription rejected")
    }

    c.mu.Lock()
    c.conn = conn
    c.reader = reader
    c.connected = true
    c.mu.Unlock()

    logger.WithField("addr", c.config.Addr).Info("connected to softswitch")
    return nil
}

// dispatchLoop reads events off the wire and fans them out to handlers
// until the connection breaks, then returns so Run can reconnect.
func (c *Connection) dispatchLoop(ctx context.Context) {
    done := make(chan struct{})

    go func() {
        defer close(done)
        c.readLoop()
    }()

    pingTicker := time.NewTicker(c.config.PingInterval)
    defer pingTicker.Stop()

    for {
        select {
        case <-ctx.Done():
            c.closeConn()
            <-done
            return
        case <-c.shutdown:
            c.closeConn()
            <-done
            return
        case <-done:
            return
        case ev := <-c.eventChan:
            atomic.AddUint64(&c.totalEvents, 1)
            c.handlersMu.RLock()
            handlers := append([]EventHandler{}, c.eventHandlers...)
            c.handlersMu.RUnlock()
            for _, h := range handlers {
                h(ev)
            }
        case <-pingTicker.C:
            if _, err := c.SendCommand(ctx, "api status\n\n"); err != nil {
                logger.WithError(err).Warn("softswitch ping failed")
            }
        }
    }
}

func (c *Connection) readLoop() {
    for {
        c.mu.RLock()
        reader := c.reader
        c.mu.RUnlock()
        if reader == nil {
            return
        }

        msg, err := readMessage(reader)
        if err != nil {
            logger.WithError(err).Warn("softswitch read failed")
            c.closeConn()
            return
        }

        contentType := msg["Content-Type"]
        switch contentType {
        case "text/event-plain":
            select {
            case c.eventChan <- msg:
            case <-time.After(time.Second):
                logger.Warn("softswitch event channel full, dropping event")
            }
        case "command/reply", "api/response":
            c.pendingMu.Lock()
            ch := c.pending
            c.pendingMu.Unlock()
            if ch != nil {
                select {
                case ch <- msg:
                default:
                }
            }
        default:
            if msg.Name() != "" {
                select {
                case c.eventChan <- msg:
                default:
                }
            }
        }
    }
}

func (c *Connection) closeConn() {
    c.mu.Lock()
    defer c.mu.Unlock()
    if c.conn != nil {
        c.conn.Close()
        c.conn = nil
    }
    c.connected = false
}

// SendCommand issues a raw ESL command and waits for its command/reply or
// api/response. Only one command may be outstanding per connection at a
// time; callers must serialize.
func (c *Connection) SendCommand(ctx context.Context, command string) (Event, error) {
    c.mu.RLock()
    conn := c.conn
    connected := c.connected
    c.mu.RUnlock()

    if !connected || conn == nil {
        return nil, billingerr.New(billingerr.ErrSoftswitchConnection, "not connected to softswitch")
    }

    respChan := make(chan Event, 1)
    c.pendingMu.Lock()
    c.pending = respChan
    c.pendingMu.Unlock()

    defer func() {
        c.pendingMu.Lock()
        c.pending = nil
        c.pendingMu.Unlock()
    }()

    if err := writeCommand(conn, command); err != nil {
        atomic.AddUint64(&c.failedCmds, 1)
        return nil, billingerr.Wrap(err, billingerr.ErrSoftswitchConnection, "failed to write command")
    }

    atomic.AddUint64(&c.totalCommands, 1)

    select {
    case resp := <-respChan:
        return resp, nil
    case <-time.After(c.config.ActionTimeout):
        atomic.AddUint64(&c.failedCmds, 1)
        return nil, billingerr.New(billingerr.ErrSoftswitchTimeout, "softswitch command timed out")
    case <-ctx.Done():
        return nil, ctx.Err()
    }
}

// RegisterEventHandler adds a handler invoked for every event received on
// this connection.
func (c *Connection) RegisterEventHandler(h EventHandler) {
    c.handlersMu.Lock()
    defer c.handlersMu.Unlock()
    c.eventHandlers = append(c.eventHandlers, h)
}

func (c *Connection) IsConnected() bool {
    c.mu.RLock()
    defer c.mu.RUnlock()
    return c.connected
}

func (c *Connection) Stats() map[string]uint64 {
    return map[string]uint64{
        "total_events":   atomic.LoadUint64(&c.totalEvents),
        "total_commands": atomic.LoadUint64(&c.totalCommands),
        "failed_commands": atomic.LoadUint64(&c.failedCmds),
    }
}

// Close stops the connection's run loop and waits for it to exit.
func (c *Connection) Close() {
    select {
    case <-c.shutdown:
        return
    default:
        close(c.shutdown)
    }
    c.closeConn()

    done := make(chan struct{})
    go func() {
        c.wg.Wait()
        close(done)
    }()

    select {
    case <-done:
    case <-time.After(5 * time.Second):
        logger.Warn("softswitch connection close timed out")
    }
}

// readMessage reads one header block (terminated by a blank line),
// honoring Content-Length to read a body, and recursively flattens a
// nested text/event-plain body so the returned map has both the outer
// envelope headers and the inner event's headers.
func readMessage(reader *bufio.Reader) (Event, error) {
    headers := make(Event)
    var contentLength int
    haveLength := false

    for {
        line, err := reader.ReadString('\n')
        if err != nil {
            return nil, err
        }
        line = strings.TrimRight(line, "\r\n")

        if line == "" {
            break
        }

        if idx := strings.Index(line, ":"); idx >= 0 {
            key := strings.TrimSpace(line[:idx])
            value := strings.TrimSpace(line[idx+1:])
            headers[key] = value
            if key == "Content-Length" {
                if n, err := strconv.Atoi(value); err == nil {
                    contentLength = n
                    haveLength = true
                }
            }
        }
    }

    if !haveLength || contentLength == 0 {
        return headers, nil
    }

    body := make([]byte, contentLength)
    if _, err := readFull(reader, body); err != nil {
        return nil, err
    }

    if headers["Content-Type"] == "text/event-plain" {
        inner, err := parseEventBody(string(body))
        if err == nil {
            for k, v := range inner {
                headers[k] = v
            }
        }
    } else {
        headers["__body"] = string(body)
    }

    return headers, nil
}

func readFull(reader *bufio.Reader, buf []byte) (int, error) {
    total := 0
    for total < len(buf) {
        n, err := reader.Read(buf[total:])
        total += n
        if err != nil {
            return total, err
        }
    }
    return total, nil
}

// parseEventBody parses a flat Key: Value block (the body of a
// text/event-plain message) into an Event.
func parseEventBody(body string) (Event, error) {
    headers := make(Event)
    for _, line := range strings.Split(body, "\n") {
        line = strings.TrimRight(line, "\r")
        if line == "" {
            continue
        }
        if idx := strings.Index(line, ":"); idx >= 0 {
            key := strings.TrimSpace(line[:idx])
            value := strings.TrimSpace(line[idx+1:])
            headers[key] = value
        }
    }
    return headers, nil
}

func writeCommand(conn net.Conn, command string) error {
    _, err := conn.Write([]byte(command))
    return err
}
