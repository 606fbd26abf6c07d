package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/sirupsen/logrus"
)

// Event signals the caught-up state of the poller to its single subscriber.
type Event int

const (
	// Stale means a poll returned one or more new entries.
	Stale Event = iota
	// Fresh means a poll returned zero new entries: the caller is caught up.
	Fresh
)

var errSearchTimeout = errors.New("changelog search timed out")

// Searcher is the slice of the LDAP connection the poller needs. *ldap.Conn
// satisfies it; tests substitute a fake.
type Searcher interface {
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Close() error
}

// Config configures the changelog poller.
type Config struct {
	// URL, BindDN and BindPassword connect and authenticate to the
	// directory server. Only used by Dial.
	URL          string
	BindDN       string
	BindPassword string

	// ChangelogDN is the changelog container, default cn=changelog.
	ChangelogDN string

	// PollInterval is the wait between polls when caught up (default 1s).
	PollInterval time.Duration

	// Timeout bounds one changelog search; zero means PollInterval/2.
	Timeout time.Duration

	// PageSize limits one search (default 1000). It matches the filter
	// window so no entries can be lost to server truncation.
	PageSize int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ChangelogDN == "" {
		out.ChangelogDN = "cn=changelog"
	}
	if out.PollInterval == 0 {
		out.PollInterval = time.Second
	}
	if out.Timeout == 0 {
		out.Timeout = out.PollInterval / 2
	}
	if out.PageSize == 0 {
		out.PageSize = 1000
	}
	return out
}

var changelogAttributes = []string{
	"changenumber", "targetdn", "changetype", "changes", "entry", "changetime",
}

// Poller pulls ordered changelog entries from the directory server. It owns
// one directory connection; GetNext must be called from a single goroutine.
type Poller struct {
	conn Searcher
	cfg  Config
	log  *logrus.Entry

	// nextCn is the next change number wanted: last delivered + 1. It is
	// never advanced on failure.
	nextCn uint64
	buf    []*Entry
	events chan Event

	mu        sync.Mutex
	searching bool
}

// Dial connects and binds to the directory server and returns a poller that
// resumes from startCn (the last applied change number; the first search
// asks for startCn+1 onward).
func Dial(cfg Config, startCn uint64, log *logrus.Entry) (*Poller, error) {
	conn, err := ldap.DialURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to directory server: %w", err)
	}
	if err := conn.Bind(cfg.BindDN, cfg.BindPassword); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to bind to directory server: %w", err)
	}
	return New(conn, cfg, startCn, log), nil
}

// New builds a poller over an existing connection.
func New(conn Searcher, cfg Config, startCn uint64, log *logrus.Entry) *Poller {
	return &Poller{
		conn:   conn,
		cfg:    cfg.withDefaults(),
		log:    log,
		nextCn: startCn + 1,
		events: make(chan Event, 8),
	}
}

// Events delivers Fresh/Stale notifications. At most one subscriber; events
// are dropped rather than blocking the poll loop if nobody is draining.
func (p *Poller) Events() <-chan Event {
	return p.events
}

// Close releases the directory server connection.
func (p *Poller) Close() error {
	return p.conn.Close()
}

// GetNext returns the next changelog entry in change-number order, blocking
// until one is available or ctx is cancelled. Transport and timeout errors
// never propagate: they are logged and the poll retried from the same change
// number after a poll interval.
func (p *Poller) GetNext(ctx context.Context) (*Entry, error) {
	for {
		if len(p.buf) > 0 {
			entry := p.buf[0]
			p.buf = p.buf[1:]
			return entry, nil
		}

		if err := p.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			p.log.WithError(err).Warn("changelog poll failed, will retry")
			if err := sleep(ctx, p.cfg.PollInterval); err != nil {
				return nil, err
			}
			continue
		}

		if len(p.buf) > 0 {
			p.emit(Stale)
			continue
		}

		p.emit(Fresh)
		if err := sleep(ctx, p.cfg.PollInterval); err != nil {
			return nil, err
		}
	}
}

// poll runs one changelog search and pushes the results into the buffer in
// ascending change-number order. Only one search may be in flight at a time.
func (p *Poller) poll(ctx context.Context) error {
	p.mu.Lock()
	if p.searching {
		p.mu.Unlock()
		return errors.New("changelog search already in flight")
	}
	p.searching = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.searching = false
		p.mu.Unlock()
	}()

	req := ldap.NewSearchRequest(
		p.cfg.ChangelogDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		p.cfg.PageSize,
		0,
		false,
		p.filter(),
		changelogAttributes,
		nil,
	)

	type result struct {
		res *ldap.SearchResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := p.conn.Search(req)
		done <- result{res: res, err: err}
	}()

	var res *ldap.SearchResult
	select {
	case r := <-done:
		// A size-limit overflow still carries a full page of usable
		// entries; anything else is a transport failure.
		if r.err != nil && !ldap.IsErrorWithCode(r.err, ldap.LDAPResultSizeLimitExceeded) {
			return fmt.Errorf("changelog search failed: %w", r.err)
		}
		res = r.res
	case <-time.After(p.cfg.Timeout):
		return errSearchTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
	if res == nil {
		return nil
	}

	entries := make([]*Entry, 0, len(res.Entries))
	maxCn := uint64(0)
	for _, raw := range res.Entries {
		entry, err := EntryFromLDAP(raw)
		if err != nil {
			p.log.WithError(err).Warn("skipping unparsable changelog entry")
			continue
		}
		if entry.ChangeNumber < p.nextCn {
			continue
		}
		entries = append(entries, entry)
		if entry.ChangeNumber > maxCn {
			maxCn = entry.ChangeNumber
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ChangeNumber < entries[j].ChangeNumber
	})

	p.buf = append(p.buf, entries...)
	if maxCn >= p.nextCn {
		p.nextCn = maxCn + 1
	}
	return nil
}

// filter builds the changelog search filter: entries at or past nextCn
// targeting the users or groups trees, excluding the vm and amon subtrees.
func (p *Poller) filter() string {
	return fmt.Sprintf(
		"(&(changenumber>=%d)(|(targetdn=*ou=users*)(targetdn=*ou=groups*))(!(targetdn=*vm*))(!(targetdn=*amon*)))",
		p.nextCn,
	)
}

func (p *Poller) emit(e Event) {
	select {
	case p.events <- e:
	default:
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
