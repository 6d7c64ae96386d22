// Package bus consumes the charger cloud service bus over MQTT.
//
// Delivery contract:
// - subscriptions are QOS 1, broker redelivers until PUBACK
// - OnMessage runs before PUBACK
// - OnMessage error means no PUBACK and connection teardown, broker will
//   deliver the message again
// - OnMessage nil acknowledges the message for good
package bus

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/client"
	"github.com/256dpi/gomqtt/client/future"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/atomic_clock"
	"github.com/temoto/evbridge/log2"
)

const DefaultNetworkTimeout = 30 * time.Second
const DefaultReconnectDelay = 3 * time.Second

var ErrClosing = fmt.Errorf("bus consumer is closing")

type Options struct {
	BrokerURL      string
	TLS            *tls.Config
	ReconnectDelay time.Duration
	NetworkTimeout time.Duration
	KeepaliveSec   uint16
	ClientID       string
	Username       string
	Password       string
	Subscriptions  []packet.Subscription
	OnMessage      func(*packet.Message) error
	Will           *packet.Message
	Log            *log2.Log

	conpkt   *packet.Connect
	dialer   *transport.Dialer
	onpacket func(*conn, packet.Generic)
}

// Consumer is the durable subscribe side of the service bus link.
// - NewConsumer() returns only configuration errors, network IO is in background
// - connect with clean session only
// - subscribe for configured list once per connection, no unsubscribe
// - unlimited reconnect attempts until Close()
// - no publish flow at all, the bridge only ever receives
type Consumer struct {
	sync.Mutex

	alive   *alive.Alive
	current *conn
	lastID  uint32
	opt     Options
}

func NewConsumer(opt Options) (*Consumer, error) {
	if opt.OnMessage == nil {
		return nil, errors.NotValidf("code error bus.Options.OnMessage=nil")
	}
	if len(opt.Subscriptions) == 0 {
		return nil, errors.NotValidf("code error bus.Options.Subscriptions empty")
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.ReconnectDelay == 0 {
		opt.ReconnectDelay = DefaultReconnectDelay
	}
	if u, err := url.ParseRequestURI(opt.BrokerURL); err != nil {
		return nil, errors.Annotatef(err, "config error bus BrokerURL=%s", opt.BrokerURL)
	} else if u.User != nil && opt.Username == "" && opt.Password == "" {
		opt.Username = u.User.Username()
		opt.Password, _ = u.User.Password()
	}
	opt.conpkt = packet.NewConnect()
	opt.conpkt.ClientID = defaultString(opt.ClientID, opt.Username)
	opt.conpkt.KeepAlive = uint16(opt.KeepaliveSec)
	opt.conpkt.CleanSession = true
	opt.conpkt.Username = opt.Username
	opt.conpkt.Password = opt.Password
	opt.conpkt.Will = opt.Will
	opt.dialer = transport.NewDialer(transport.DialConfig{
		TLSConfig: opt.TLS,
		Timeout:   opt.NetworkTimeout,
	})

	c := &Consumer{
		alive:  alive.NewAlive(),
		lastID: uint32(time.Now().UnixNano()),
		opt:    opt,
	}
	c.opt.onpacket = c.onPacket
	_ = c.conn(true)

	go c.worker()
	return c, nil
}

func (c *Consumer) Close() error {
	err := c.disconnect(nil)
	c.alive.Stop()
	c.alive.Wait()
	return err
}

// Returns, in this order:
// - ErrClosing if consumer stopped with Close()
// - nil if connected and subscribed within context limit
// - context.Canceled if context canceled/expired before successful connection
func (c *Consumer) WaitReady(ctx context.Context) error {
	donech := ctx.Done()
	stopch := c.alive.StopChan()
	for {
		cc := c.conn(false)
		if cc == nil {
			select {
			case <-time.After(100 * time.Millisecond):
				continue

			case <-donech:
				return context.Canceled

			case <-stopch:
				return ErrClosing
			}
		}

		switch cc.waitReady(ctx) {
		case nil: // success path
			return nil

		case context.Canceled:
			return context.Canceled

		case ErrClosing: // current connection is lost, just try again
		}
	}
}

func (c *Consumer) conn(create bool) *conn {
	c.Lock()
	defer c.Unlock()
	if !c.alive.IsRunning() {
		return nil
	}
	if c.current != nil && !c.current.alive.IsRunning() {
		c.current = nil
	}
	if c.current == nil && create {
		subpkt := &packet.Subscribe{
			ID:            c.nextID(),
			Subscriptions: c.opt.Subscriptions,
		}
		c.current = newConn(c.opt, subpkt)
	}
	return c.current
}

func (c *Consumer) disconnect(err error) error {
	if cc := c.conn(false); cc != nil {
		_ = cc.send(packet.NewDisconnect())
		err = cc.die(err)
		cc.alive.Wait()
	}
	return err
}

func (c *Consumer) nextID() packet.ID {
	u32 := atomic.AddUint32(&c.lastID, 1)
	return packet.ID(u32 % (1 << 16))
}

func (c *Consumer) onPacket(cc *conn, p packet.Generic) {
	switch pt := p.(type) {
	case *packet.Publish:
		c.onPublish(cc, pt)
	default:
		c.opt.Log.Debugf("bus unknown packet %s", PacketString(p))
	}
}

// Callback first, PUBACK after success. Callback error keeps the message
// unacknowledged and drops the connection so the broker repeats delivery.
func (c *Consumer) onPublish(cc *conn, publish *packet.Publish) {
	if publish.Message.QOS >= packet.QOSExactlyOnce {
		_ = cc.die(errors.NotValidf("bus qos=2"))
		return
	}

	if err := c.opt.OnMessage(&publish.Message); err != nil {
		c.opt.Log.Errorf("bus onMessage topic=%s payload=%x err=%v", publish.Message.Topic, publish.Message.Payload, err)
		_ = cc.die(err)
		return
	}

	if publish.Message.QOS == packet.QOSAtLeastOnce {
		puback := packet.NewPuback()
		puback.ID = publish.ID
		if err := cc.send(puback); err != nil {
			return
		}
	}
}

func (c *Consumer) worker() {
	stopch := c.alive.StopChan()
	for {
		cc := c.conn(true)
		if cc == nil {
			return
		}
		select {
		case <-cc.alive.WaitChan():

		case <-stopch:
			_ = cc.die(ErrClosing)
			return
		}

		c.opt.Log.Debugf("bus wait ReconnectDelay=%v", c.opt.ReconnectDelay)
		select {
		case <-time.After(c.opt.ReconnectDelay):

		case <-stopch:
			_ = cc.die(ErrClosing)
			return
		}
	}
}

// Single connection. `transport.Conn` with CONNECT, SUBSCRIBE and pings.
// State is set once at creation, except transport.Conn which requires
// blocking Dial. Observe connected and subscribed events via futures.
type conn struct {
	alive  *alive.Alive
	closed uint32
	confu  *future.Future
	conn   atomic.Value // transport.Conn
	opt    Options
	pingat *atomic_clock.Clock // timestamp of last outgoing control packet
	pongat *atomic_clock.Clock // timestamp of last incoming control packet
	subfu  *future.Future
	subpkt *packet.Subscribe
}

func newConn(opt Options, subpkt *packet.Subscribe) *conn {
	cc := &conn{
		alive:  alive.NewAlive(),
		confu:  future.New(),
		opt:    opt,
		pingat: atomic_clock.New(),
		pongat: atomic_clock.New(),
		subfu:  future.New(),
		subpkt: subpkt,
	}
	cc.alive.Add(1)
	go cc.connect()
	return cc
}

func (cc *conn) die(e error) error {
	if e == nil {
		e = ErrClosing
	}
	if !atomic.CompareAndSwapUint32(&cc.closed, 0, 1) {
		return e
	}
	cc.alive.Stop()
	cc.confu.Cancel(e)
	cc.subfu.Cancel(e)
	if conn := cc.getConn(); conn != nil {
		_ = conn.Close()
	}
	return e
}

func (cc *conn) getConn() transport.Conn {
	if x := cc.conn.Load(); x != nil {
		return x.(transport.Conn)
	}
	return nil
}

// dial, send CONNECT, wait CONNACK, start pinger, reader and subscriber
func (cc *conn) connect() {
	defer cc.alive.Done()

	conn, err := cc.opt.dialer.Dial(cc.opt.BrokerURL)
	if err != nil {
		_ = cc.die(errors.Annotatef(err, "connect: dial broker=%s", cc.opt.BrokerURL))
		return
	}
	cc.conn.Store(conn)
	if err = cc.send(cc.opt.conpkt); err != nil {
		return
	}

	{ // expect CONNACK
		conn.SetReadTimeout(cc.opt.NetworkTimeout)
		pkt, err := conn.Receive()
		if err != nil {
			err = errors.Annotate(err, "connect: expect CONNACK")
			_ = cc.die(err)
			return
		}
		connack, ok := pkt.(*packet.Connack)
		if !ok {
			err = errors.Annotatef(client.ErrClientExpectedConnack, "connect: server error pkt=%s", PacketString(pkt))
			_ = cc.die(err)
			return
		}
		cc.opt.Log.Debugf("bus CONNACK=%s", connack.String())
		if connack.ReturnCode != packet.ConnectionAccepted {
			err = errors.Annotate(client.ErrClientConnectionDenied, connack.ReturnCode.String())
			_ = cc.die(err)
			return
		}
		cc.confu.Complete(true)
		conn.SetReadTimeout(0)
	}

	if !cc.alive.Add(3) {
		_ = cc.die(context.Canceled)
		return
	}
	cc.pongat.SetNow()
	go cc.pinger()
	go cc.reader()
	go cc.subscriber()
}

func (cc *conn) onSuback(suback *packet.Suback) {
	if suback.ID != cc.subpkt.ID {
		err := errors.Annotatef(client.ErrFailedSubscription, "SUBACK.id=%d != SUBSCRIBE.id=%d", suback.ID, cc.subpkt.ID)
		_ = cc.die(err)
		return
	}
	for _, code := range suback.ReturnCodes {
		if code == packet.QOSFailure {
			_ = cc.die(client.ErrFailedSubscription)
			return
		}
	}
	cc.subfu.Complete(true)
}

// Sends ping packets to keep the connection alive.
// PINGREQ is only sent if Keepalive-NetworkTimeout has passed since last command.
func (cc *conn) pinger() {
	defer cc.alive.Done()
	if cc.opt.KeepaliveSec == 0 {
		return
	}

	// [MQTT-3.1.2-24] basically says control packets must arrive at most KeepaliveSec*1.5 apart.
	keepalive := keepaliveAndHalf(cc.opt.KeepaliveSec)
	interval := keepalive - cc.opt.NetworkTimeout
	stopch := cc.alive.StopChan()
	for cc.alive.IsRunning() {
		now := atomic_clock.Now()
		window := now.Sub(cc.pingat)
		sincePong := now.Sub(cc.pongat)
		cc.opt.Log.Debugf("bus pinger keepalive=%v interval=%v window=%v sincePong=%v", keepalive, interval, window, sincePong)

		if window > 0 && window < interval {
			select {
			case <-time.After(interval - window):
				continue

			case <-stopch:
				return
			}
		} else if window >= interval {
			if err := cc.send(packet.NewPingreq()); err != nil {
				return
			}
		}

		if sincePong > keepalive {
			_ = cc.die(client.ErrClientMissingPong)
			return
		}
	}
}

func (cc *conn) reader() {
	defer cc.alive.Done()

	conn := cc.getConn()
	for {
		pkt, err := conn.Receive()
		if !cc.alive.IsRunning() {
			return
		}
		switch err {
		case nil: // success path

		case io.EOF: // server closed connection
			cc.opt.Log.Errorf("bus server closed connection")
			_ = cc.die(nil)
			return

		default:
			_ = cc.die(errors.Annotate(err, "receive"))
			return
		}
		cc.opt.Log.Debugf("bus received=%s", PacketString(pkt))

		switch pt := pkt.(type) {
		case *packet.Connack:
			_ = cc.die(errors.Errorf("server error duplicate CONNACK pkt=%s", PacketString(pkt)))
			return

		case *packet.Pingresp:
			cc.pongat.SetNow()

		case *packet.Suback:
			cc.onSuback(pt)

		default:
			cc.opt.onpacket(cc, pkt)
		}
	}
}

func (cc *conn) send(p packet.Generic) error {
	if cc == nil {
		return client.ErrClientNotConnected
	}
	conn := cc.getConn()
	if conn == nil {
		return client.ErrClientNotConnected
	}
	if err := conn.Send(p, false); err != nil {
		err = errors.Annotatef(err, "send %s", p.Type().String())
		return cc.die(err)
	}
	cc.pingat.SetNow()
	cc.opt.Log.Debugf("bus sent %s", PacketString(p))
	return nil
}

func (cc *conn) subscriber() {
	defer cc.alive.Done()

	if err := cc.send(cc.subpkt); err != nil {
		return
	}

	if cc.subfu.Wait(cc.opt.NetworkTimeout) == future.ErrTimeout {
		_ = cc.die(errors.Timeoutf("subscribe"))
	}
}

// Returns, in this order:
// - ErrClosing if conn is in final invalid state
// - nil if connected and subscribed within context limit
// - context.Canceled if context canceled/expired before successful connection
func (cc *conn) waitReady(ctx context.Context) error {
	if cc == nil {
		return ErrClosing
	}

	pollInterval := 500 * time.Millisecond
	if deadline, ok := ctx.Deadline(); ok {
		if timeout := -time.Since(deadline); timeout > 0 && timeout < pollInterval {
			pollInterval = timeout
		} else if timeout <= 0 {
			pollInterval = 1
		}
	}

	donech := ctx.Done()
	for {
		if !cc.alive.IsRunning() {
			return ErrClosing
		}
		_ = cc.confu.Wait(pollInterval)
		_ = cc.subfu.Wait(pollInterval)
		connected, _ := cc.confu.Result().(bool)
		subscribed, _ := cc.subfu.Result().(bool)
		if connected && subscribed {
			return nil
		}

		select {
		case <-time.After(pollInterval):

		case <-donech:
			return context.Canceled
		}
	}
}
