// Package imapsource reads new emails from an IMAP mailbox.
package imapsource

import (
	"context"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/pkg/errors"

	"github.com/BearBump/TrackMail/internal/models"
)

const (
	SecurityTLS      = "tls"
	SecurityStartTLS = "starttls"
	SecurityNone     = "none"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	Folder   string
	Security string
}

type Collector struct {
	cfg Config
}

func New(cfg Config) *Collector {
	if cfg.Folder == "" {
		cfg.Folder = "INBOX"
	}
	if cfg.Port == 0 {
		cfg.Port = 993
	}
	if cfg.Security == "" {
		cfg.Security = SecurityTLS
	}
	return &Collector{cfg: cfg}
}

func (c *Collector) connect() (*imapclient.Client, error) {
	if c.cfg.Host == "" || c.cfg.Username == "" || c.cfg.Password == "" {
		return nil, errors.New("imap host, username and password are required")
	}
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))

	var (
		client *imapclient.Client
		err    error
	)
	switch c.cfg.Security {
	case SecurityStartTLS:
		client, err = imapclient.DialStartTLS(addr, nil)
	case SecurityNone:
		client, err = imapclient.DialInsecure(addr, nil)
	default:
		client, err = imapclient.DialTLS(addr, nil)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "connect to imap %s", addr)
	}

	if err := client.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "imap login")
	}
	return client, nil
}

// Fetch returns every message in the folder with a UID above sinceUID, oldest first.
// Messages whose MIME structure cannot be read are logged and skipped.
func (c *Collector) Fetch(ctx context.Context, sinceUID uint32) ([]models.Email, error) {
	client, err := c.connect()
	if err != nil {
		return nil, err
	}
	// imapclient не умеет ctx: закрываем соединение, чтобы прервать ожидание
	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()
	defer func() {
		if err := client.Logout().Wait(); err != nil {
			slog.Debug("imap logout", "error", err.Error())
		}
		_ = client.Close()
	}()

	if _, err := client.Select(c.cfg.Folder, nil).Wait(); err != nil {
		return nil, errors.Wrapf(err, "select %s", c.cfg.Folder)
	}
	slog.Info("imap folder selected", "folder", c.cfg.Folder, "since_uid", sinceUID)

	criteria := &imap.SearchCriteria{
		UID: []imap.UIDSet{{imap.UIDRange{Start: imap.UID(sinceUID + 1), Stop: 0}}},
	}
	data, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, errors.Wrap(err, "uid search")
	}

	// "N:*" всегда включает последнее письмо, даже если его UID <= N
	var uids []imap.UID
	for _, uid := range data.AllUIDs() {
		if uint32(uid) > sinceUID {
			uids = append(uids, uid)
		}
	}
	if len(uids) == 0 {
		return nil, nil
	}

	section := &imap.FetchItemBodySection{Peek: true}
	cmd := client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{section},
	})
	defer cmd.Close()

	var out []models.Email
	for {
		msg := cmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			slog.Error("collect imap message", "error", err.Error())
			continue
		}
		email, err := ParseMessage(uint32(buf.UID), buf.InternalDate, buf.FindBodySection(section))
		if err != nil {
			slog.Error("parse MIME message", "uid", uint32(buf.UID), "error", err.Error())
			continue
		}
		slog.Info("parsed email", "uid", email.UID, "subject", email.Subject, "body_len", len(email.Body))
		out = append(out, email)
	}
	if err := cmd.Close(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrap(err, "fetch messages")
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

// timeOr returns t unless it is zero.
func timeOr(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t
}
