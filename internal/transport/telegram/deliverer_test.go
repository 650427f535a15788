package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offerbot/internal/transport"
	logx "offerbot/pkg/logx"
)

type apiCall struct {
	Token  string
	Method string
	Params map[string]any
}

// fakeBotAPI answers Bot API calls. Users listed in blocked get a 403.
type fakeBotAPI struct {
	mu      sync.Mutex
	calls   []apiCall
	blocked map[string]bool
	down    bool
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// /bot<token>/<method>
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/bot"), "/", 2)
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	body, _ := io.ReadAll(r.Body)
	params := map[string]any{}
	_ = json.Unmarshal(body, &params)

	f.mu.Lock()
	f.calls = append(f.calls, apiCall{Token: parts[0], Method: parts[1], Params: params})
	down := f.down
	blocked := f.blocked[fmt.Sprint(params["chat_id"])]
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case down:
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":502,"description":"Bad Gateway"}`))
	case blocked:
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`))
	default:
		_, _ = fmt.Fprintf(w, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":%v,"type":"private"}%s}}`,
			params["chat_id"], sentMedia(parts[1]))
	}
}

// sentMedia is the media part of the message the Bot API echoes back;
// telebot copies it into the sent Photo/Video.
func sentMedia(method string) string {
	switch method {
	case "sendPhoto":
		return `,"photo":[{"file_id":"AgADsent","file_unique_id":"u1","width":90,"height":90}]`
	case "sendVideo":
		return `,"video":{"file_id":"BAADsent","file_unique_id":"u2","width":640,"height":360,"duration":3}`
	default:
		return ""
	}
}

func (f *fakeBotAPI) Calls() []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]apiCall(nil), f.calls...)
}

type staticTokens map[int64]string

func (s staticTokens) BotToken(_ context.Context, botID int64) (string, error) {
	t, ok := s[botID]
	if !ok {
		return "", errors.New("unknown bot")
	}
	return t, nil
}

func newTestDeliverer(t *testing.T, api *fakeBotAPI, cfg Config, tokens TokenSource) *Deliverer {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	cfg.APIURL = srv.URL
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 1000
	}
	return New(cfg, tokens, logx.Nop())
}

func TestDeliverTextWithKeyboard(t *testing.T) {
	api := &fakeBotAPI{}
	d := newTestDeliverer(t, api, Config{}, staticTokens{7: "7:tok"})

	kb := transport.Column(
		transport.Button{Text: "Basic - R$ 45.00 (10% OFF)", Data: "pagar_p1"},
		transport.Button{Text: "VIP - R$ 90.00 (10% OFF)", Data: "pagar_p2"},
	)
	err := d.Deliver(context.Background(), 7, 1001, transport.Content{Text: "Promo!"}, kb)
	require.NoError(t, err)

	calls := api.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "7:tok", calls[0].Token)
	assert.Equal(t, "sendMessage", calls[0].Method)
	assert.Equal(t, "1001", fmt.Sprint(calls[0].Params["chat_id"]))
	assert.Equal(t, "Promo!", calls[0].Params["text"])

	var rm struct {
		InlineKeyboard [][]struct {
			Text         string `json:"text"`
			CallbackData string `json:"callback_data"`
		} `json:"inline_keyboard"`
	}
	require.NoError(t, json.Unmarshal([]byte(fmt.Sprint(calls[0].Params["reply_markup"])), &rm))
	require.Len(t, rm.InlineKeyboard, 2)
	assert.Equal(t, "pagar_p2", rm.InlineKeyboard[1][0].CallbackData)
	assert.Equal(t, "VIP - R$ 90.00 (10% OFF)", rm.InlineKeyboard[1][0].Text)
}

func TestDeliverMedia(t *testing.T) {
	api := &fakeBotAPI{}
	d := newTestDeliverer(t, api, Config{Tokens: map[int64]string{9: "9:cfg"}}, nil)

	photo := transport.Content{Text: "caption", Media: &transport.Media{Kind: transport.MediaPhoto, File: "AgADfileid"}}
	require.NoError(t, d.Deliver(context.Background(), 9, 1, photo, nil))

	video := transport.Content{Media: &transport.Media{Kind: transport.MediaVideo, File: "https://cdn.example.com/v.mp4"}}
	require.NoError(t, d.Deliver(context.Background(), 9, 1, video, nil))

	calls := api.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "9:cfg", calls[0].Token)
	assert.Equal(t, "sendPhoto", calls[0].Method)
	assert.Equal(t, "AgADfileid", calls[0].Params["photo"])
	assert.Equal(t, "caption", calls[0].Params["caption"])
	assert.Equal(t, "sendVideo", calls[1].Method)
	assert.Equal(t, "https://cdn.example.com/v.mp4", calls[1].Params["video"])
	assert.Empty(t, calls[1].Params["caption"])
}

func TestDeliverRecipientErrorsDoNotTripBreaker(t *testing.T) {
	api := &fakeBotAPI{blocked: map[string]bool{"13": true}}
	d := newTestDeliverer(t, api, Config{BreakerMaxFailures: 2}, staticTokens{1: "1:t"})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := d.Deliver(ctx, 1, 13, transport.Content{Text: "x"}, nil)
		require.Error(t, err)
		assert.True(t, IsRecipientError(err), "%v", err)
	}
	require.NoError(t, d.Deliver(ctx, 1, 14, transport.Content{Text: "x"}, nil))
}

func TestDeliverBreakerOpensOnOutage(t *testing.T) {
	api := &fakeBotAPI{down: true}
	d := newTestDeliverer(t, api, Config{BreakerMaxFailures: 2}, staticTokens{1: "1:t"})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := d.Deliver(ctx, 1, 5, transport.Content{Text: "x"}, nil)
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrUnavailable))
	}
	err := d.Deliver(ctx, 1, 5, transport.Content{Text: "x"}, nil)
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Len(t, api.Calls(), 2, "open breaker short-circuits")

	// other tenants are unaffected
	api.mu.Lock()
	api.down = false
	api.mu.Unlock()
	d.tokens = staticTokens{1: "1:t", 2: "2:t"}
	require.NoError(t, d.Deliver(ctx, 2, 5, transport.Content{Text: "x"}, nil))
}

func TestDeliverMissingToken(t *testing.T) {
	d := newTestDeliverer(t, &fakeBotAPI{}, Config{}, staticTokens{})
	err := d.Deliver(context.Background(), 404, 1, transport.Content{Text: "x"}, nil)
	require.ErrorIs(t, err, ErrNoToken)
}

func TestPayloadRejectsEmptyAndUnknown(t *testing.T) {
	_, err := payload(transport.Content{Text: "  "})
	require.Error(t, err)
	_, err = payload(transport.Content{Media: &transport.Media{Kind: "audio", File: "x"}})
	require.Error(t, err)
}
