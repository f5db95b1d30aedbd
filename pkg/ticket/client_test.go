package ticket

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-labs/meridian/pkg/ticketsvc"
)

func newClientAgainstMock(t *testing.T) *Client {
	t.Helper()
	srv := httptest.NewServer(ticketsvc.NewServer().Router())
	t.Cleanup(srv.Close)
	return New(srv.URL)
}

func TestPriorityFor(t *testing.T) {
	cases := map[string]int{
		"critical": 1,
		"high":     2,
		"medium":   3,
		"low":      4,
		"unknown":  3,
		"":         3,
	}
	for severity, want := range cases {
		assert.Equal(t, want, priorityFor(severity), "severity %q", severity)
	}
}

func TestCreateTicket(t *testing.T) {
	c := newClientAgainstMock(t)

	tk, err := c.CreateTicket(context.Background(), "LA.02",
		"LA.02: 2 terminated account(s) breached the 1-day SLA",
		"details", "high", "ev-123")
	require.NoError(t, err)

	assert.Equal(t, "INC0000001", tk.Number)
	assert.NotEmpty(t, tk.SysID)
	assert.Equal(t, StateNew, tk.State)
	assert.Equal(t, 2, tk.Priority)
	assert.Equal(t, "LA.02", tk.ControlID)
	assert.Equal(t, "ev-123", tk.EvidenceID)
	assert.True(t, tk.IsOpen())
}

func TestGetTicket_NilOnMissing(t *testing.T) {
	c := newClientAgainstMock(t)

	tk, err := c.GetTicket(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, tk)
}

func TestIsTicketOpen_StateTransitions(t *testing.T) {
	srv := httptest.NewServer(ticketsvc.NewServer().Router())
	t.Cleanup(srv.Close)
	c := New(srv.URL)
	ctx := context.Background()

	tk, err := c.CreateTicket(ctx, "LA.01", "subject", "body", "critical", "ev-1")
	require.NoError(t, err)
	assert.True(t, c.IsTicketOpen(ctx, tk.SysID))

	patch := func(state string) {
		req, err := http.NewRequest(http.MethodPatch,
			srv.URL+"/api/now/table/incident/"+tk.SysID,
			bytes.NewReader([]byte(`{"state":`+state+`}`)))
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
	}

	patch("2")
	assert.True(t, c.IsTicketOpen(ctx, tk.SysID), "in-progress is open")

	patch("6")
	assert.False(t, c.IsTicketOpen(ctx, tk.SysID), "resolved is not open")

	assert.False(t, c.IsTicketOpen(ctx, "missing-sys-id"))
}

func TestListTickets_ByControl(t *testing.T) {
	c := newClientAgainstMock(t)
	ctx := context.Background()

	_, err := c.CreateTicket(ctx, "LA.01", "a", "", "low", "ev-1")
	require.NoError(t, err)
	_, err = c.CreateTicket(ctx, "LA.02", "b", "", "low", "ev-2")
	require.NoError(t, err)

	got, err := c.ListTickets(ctx, "control_id=LA.02", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "LA.02", got[0].ControlID)
}

func TestPing(t *testing.T) {
	c := newClientAgainstMock(t)
	assert.NoError(t, c.Ping(context.Background()))

	down := New("http://127.0.0.1:1")
	assert.Error(t, down.Ping(context.Background()))
}
