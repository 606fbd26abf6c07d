package directory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSearcher feeds scripted changelog pages to the poller. Each Search
// call consumes one page; an exhausted script returns empty results.
type fakeSearcher struct {
	pages   [][]*ldap.Entry
	errs    []error
	filters []string
	closed  bool
}

func (f *fakeSearcher) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	f.filters = append(f.filters, req.Filter)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(f.pages) == 0 {
		return &ldap.SearchResult{}, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return &ldap.SearchResult{Entries: page}, nil
}

func (f *fakeSearcher) Close() error {
	f.closed = true
	return nil
}

func changelogEntry(cn uint64, changetype, targetdn, changes string) *ldap.Entry {
	return ldap.NewEntry(fmt.Sprintf("changenumber=%d, cn=changelog", cn), map[string][]string{
		"changenumber": {fmt.Sprintf("%d", cn)},
		"targetdn":     {targetdn},
		"changetype":   {changetype},
		"changes":      {changes},
	})
}

func testPoller(conn Searcher, startCn uint64) *Poller {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	cfg := Config{
		PollInterval: 5 * time.Millisecond,
		Timeout:      time.Second,
	}
	return New(conn, cfg, startCn, logger.WithField("component", "poller"))
}

func TestGetNextDeliversInChangeNumberOrder(t *testing.T) {
	// The server returns the page unordered; delivery must still be
	// ascending.
	conn := &fakeSearcher{pages: [][]*ldap.Entry{{
		changelogEntry(12, "add", "uuid=b, ou=users, o=smartdc", `{"objectclass":["sdcperson"]}`),
		changelogEntry(10, "add", "uuid=a, ou=users, o=smartdc", `{"objectclass":["sdcperson"]}`),
		changelogEntry(11, "delete", "uuid=c, ou=users, o=smartdc", `{"objectclass":["sdcperson"]}`),
	}}}
	p := testPoller(conn, 9)
	ctx := context.Background()

	var got []uint64
	for i := 0; i < 3; i++ {
		entry, err := p.GetNext(ctx)
		require.NoError(t, err)
		got = append(got, entry.ChangeNumber)
	}
	assert.Equal(t, []uint64{10, 11, 12}, got)
}

func TestGetNextAdvancesFilterWindow(t *testing.T) {
	conn := &fakeSearcher{pages: [][]*ldap.Entry{
		{changelogEntry(10, "add", "uuid=a, ou=users, o=smartdc", `{"objectclass":["sdcperson"]}`)},
		{changelogEntry(11, "add", "uuid=b, ou=users, o=smartdc", `{"objectclass":["sdcperson"]}`)},
	}}
	p := testPoller(conn, 9)
	ctx := context.Background()

	_, err := p.GetNext(ctx)
	require.NoError(t, err)
	_, err = p.GetNext(ctx)
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(conn.filters), 2)
	assert.Contains(t, conn.filters[0], "changenumber>=10")
	assert.Contains(t, conn.filters[1], "changenumber>=11")
	// The users/groups scoping and vm/amon exclusions always apply.
	assert.Contains(t, conn.filters[0], "ou=users")
	assert.Contains(t, conn.filters[0], "(!(targetdn=*vm*))")
}

func TestGetNextSkipsAlreadyApplied(t *testing.T) {
	// Servers match changenumber>= lexically in some deployments, so pages
	// can carry entries below the resume point; they must be dropped.
	conn := &fakeSearcher{pages: [][]*ldap.Entry{{
		changelogEntry(8, "add", "uuid=a, ou=users, o=smartdc", `{"objectclass":["sdcperson"]}`),
		changelogEntry(10, "add", "uuid=b, ou=users, o=smartdc", `{"objectclass":["sdcperson"]}`),
	}}}
	p := testPoller(conn, 9)

	entry, err := p.GetNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(10), entry.ChangeNumber)
}

func TestGetNextEmitsFreshWhenCaughtUp(t *testing.T) {
	conn := &fakeSearcher{pages: [][]*ldap.Entry{
		{changelogEntry(10, "add", "uuid=a, ou=users, o=smartdc", `{"objectclass":["sdcperson"]}`)},
	}}
	p := testPoller(conn, 9)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := p.GetNext(ctx)
	require.NoError(t, err)

	// The next call finds an empty changelog and reports Fresh before
	// sleeping; cancel after the event so GetNext returns.
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := p.GetNext(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	}()

	drainEvents := func() Event {
		select {
		case e := <-p.Events():
			return e
		case <-time.After(time.Second):
			t.Error("timed out waiting for poller event")
			return Stale
		}
	}
	// The first poll reported Stale, the empty one Fresh.
	assert.Equal(t, Stale, drainEvents())
	assert.Equal(t, Fresh, drainEvents())

	cancel()
	<-done
}

func TestGetNextRetriesAfterSearchError(t *testing.T) {
	conn := &fakeSearcher{
		errs: []error{errors.New("connection reset")},
		pages: [][]*ldap.Entry{
			{changelogEntry(10, "add", "uuid=a, ou=users, o=smartdc", `{"objectclass":["sdcperson"]}`)},
		},
	}
	p := testPoller(conn, 9)

	entry, err := p.GetNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(10), entry.ChangeNumber)
	assert.GreaterOrEqual(t, len(conn.filters), 2)
}

func TestCloseReleasesConnection(t *testing.T) {
	conn := &fakeSearcher{}
	p := testPoller(conn, 0)
	require.NoError(t, p.Close())
	assert.True(t, conn.closed)
}
