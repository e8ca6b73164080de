package evolution

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wacrm/internal/transport"
	logx "wacrm/pkg/logx"
)

func TestSendPostsSendText(t *testing.T) {
	var (
		gotPath string
		gotKey  string
		gotBody sendTextRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("apikey")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"key":{"id":"ABC"}}`))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL + "/", APIKey: "secret", Instance: "crm"}, logx.Nop())
	require.NoError(t, err)

	err = c.Send(context.Background(), transport.Recipient{ID: "0555 111 22 33", Kind: transport.Individual}, "Merhaba")
	require.NoError(t, err)

	assert.Equal(t, "/message/sendText/crm", gotPath)
	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, "905551112233", gotBody.Number)
	assert.Equal(t, "Merhaba", gotBody.Text)
	assert.Equal(t, int64(1200), gotBody.Options.Delay)
	assert.Equal(t, "composing", gotBody.Options.Presence)
}

func TestSendNon2xxIsStatusError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"number not on whatsapp"}`))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, Instance: "crm"}, logx.Nop())
	require.NoError(t, err)

	err = c.Send(context.Background(), transport.Recipient{ID: "120363025246781234", Kind: transport.Group}, "x")
	var se *StatusError
	require.True(t, errors.As(err, &se), "err = %v", err)
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.Contains(t, se.Error(), "number not on whatsapp")
	assert.Equal(t, 1, calls, "sender must not retry")
}

func TestSendHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, Instance: "crm"}, logx.Nop())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, c.Send(ctx, transport.Recipient{ID: "5551112233", Kind: transport.Individual}, "x"))
}

func TestState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/instance/connectionState/crm", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"instance":{"instanceName":"crm","state":"open"}}`))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, Instance: "crm"}, logx.Nop())
	require.NoError(t, err)
	state, err := c.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "open", state)
}

func TestNewRequiresBaseAndInstance(t *testing.T) {
	_, err := New(Config{BaseURL: "http://x"}, logx.Nop())
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestAddress(t *testing.T) {
	tests := []struct {
		in   transport.Recipient
		want string
		err  bool
	}{
		{in: transport.Recipient{ID: "+90 555 111 22 33", Kind: transport.Individual}, want: "905551112233"},
		{in: transport.Recipient{ID: "05551112233", Kind: transport.Individual}, want: "905551112233"},
		{in: transport.Recipient{ID: "5551112233", Kind: transport.Individual}, want: "905551112233"},
		{in: transport.Recipient{ID: "905551112233@s.whatsapp.net", Kind: transport.Individual}, want: "905551112233"},
		{in: transport.Recipient{ID: "120363025246781234", Kind: transport.Group}, want: "120363025246781234@g.us"},
		{in: transport.Recipient{ID: "g1@g.us", Kind: transport.Group}, want: "g1@g.us"},
		{in: transport.Recipient{ID: "12", Kind: transport.Individual}, err: true},
	}
	for _, tt := range tests {
		got, err := Address(tt.in, DefaultCountryCode)
		if tt.err {
			assert.ErrorIs(t, err, ErrInvalidNumber, tt.in.ID)
			continue
		}
		require.NoError(t, err, tt.in.ID)
		assert.Equal(t, tt.want, got, tt.in.ID)
	}
}
