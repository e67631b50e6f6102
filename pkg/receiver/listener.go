package receiver

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/goodieshq/graphmailer/pkg/config"
	"github.com/goodieshq/graphmailer/pkg/errs"
	"github.com/goodieshq/graphmailer/pkg/message"
	"github.com/goodieshq/graphmailer/pkg/sender"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Deliverer hands a parsed message to the outbound side. *sender.GraphSender satisfies it.
type Deliverer interface {
	Deliver(ctx context.Context, msg *message.Message) (*sender.Receipt, error)
}

// Listener is the smtp.Backend for one configured listener.
type Listener struct {
	ctx          context.Context
	log          zerolog.Logger
	config       *config.ListenerConfig
	configGlobal *config.RecvGlobalConfig
	mailbox      string
	timeout      time.Duration
	deliverer    Deliverer
}

// Create a new listener. Sessions inherit ctx, so cancelling it aborts in-flight deliveries.
// A nil deliverer makes every DATA command fail with a temporary error.
func NewListener(ctx context.Context, lcfg *config.ListenerConfig, cfg *config.Config, deliverer Deliverer) *Listener {
	return &Listener{
		ctx:          ctx,
		log:          log.With().Str("listener", lcfg.Name).Logger(),
		config:       lcfg,
		configGlobal: &cfg.Recv.RecvGlobalConfig,
		mailbox:      cfg.Send.Graph.Mailbox,
		timeout:      cfg.Send.Timeout,
		deliverer:    deliverer,
	}
}

// NewServer builds the go-smtp server for this listener.
func (l *Listener) NewServer(domain string) *smtp.Server {
	server := smtp.NewServer(l)
	server.Addr = fmt.Sprintf(":%d", l.config.Port)
	server.Domain = domain
	server.MaxMessageBytes = int64(l.configGlobal.Limits.MaxSize)
	server.MaxRecipients = l.configGlobal.Limits.MaxRecipients
	server.ReadTimeout = l.configGlobal.Limits.Timeout
	server.WriteTimeout = l.configGlobal.Limits.Timeout
	server.TLSConfig = l.config.TLSConfig
	server.AllowInsecureAuth = l.config.TLSConfig == nil
	return server
}

// Create a new SMTP session for each incoming connection after checking the remote address
// against the allowed networks.
func (l *Listener) NewSession(c *smtp.Conn) (smtp.Session, error) {
	raddr := c.Conn().RemoteAddr()
	return l.newSession(raddr)
}

func (l *Listener) newSession(raddr net.Addr) (*Session, error) {
	ta, ok := raddr.(*net.TCPAddr)
	if !ok {
		l.log.Warn().Str("remote", raddr.String()).Msg("Remote address is not a TCP address, cannot check against allowed networks")
		return nil, errs.ErrSourceIPInvalid
	}

	allowed := len(l.configGlobal.AllowedNets) == 0
	for _, n := range l.configGlobal.AllowedNets {
		if n.Contains(ta.IP) {
			allowed = true
			break
		}
	}
	if !allowed {
		l.log.Warn().Str("remote", raddr.String()).Msg("Remote address is not allowed by configuration")
		return nil, errs.ErrSourceIPDisallowed
	}

	id, err := uuid.NewRandom()
	if err != nil {
		l.log.Error().Err(err).Msg("Failed to generate session ID")
		return nil, err
	}

	return &Session{
		ctx:      l.ctx,
		listener: l,
		id:       id,
		remote:   raddr,
		log: l.log.With().
			Str("session_id", id.String()).
			Str("remote_addr", raddr.String()).
			Logger(),
	}, nil
}
