package translate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/minios-linux/epubtrans/backend"
	"github.com/minios-linux/epubtrans/backend/backendtest"
	"github.com/minios-linux/epubtrans/glossary"
	"github.com/minios-linux/epubtrans/retry"
	"github.com/minios-linux/epubtrans/session"
)

type harness struct {
	client *Client
	dialer *backendtest.Dialer
	mgr    *session.Manager
	waits  []time.Duration
}

func newHarness(t *testing.T, opts Options, replies ...backendtest.Reply) *harness {
	t.Helper()
	h := &harness{dialer: backendtest.NewDialer(replies...)}
	h.mgr = session.New(h.dialer, session.Options{URL: "https://api.example.com/v1", APIKey: "sk-test"})
	t.Cleanup(func() { h.mgr.Close() })

	if opts.SourceLang == "" {
		opts.SourceLang = "ja"
	}
	if opts.TargetLang == "" {
		opts.TargetLang = "zh-CN"
	}
	opts.sleep = func(ctx context.Context, d time.Duration) error {
		h.waits = append(h.waits, d)
		return ctx.Err()
	}
	h.client = New(h.mgr, opts)
	return h
}

func TestTranslate(t *testing.T) {
	h := newHarness(t, Options{}, backendtest.Text("<p>你好</p>"))

	got, err := h.client.Translate(context.Background(), "<p>こんにちは</p>", "", "")
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if got != "<p>你好</p>" {
		t.Errorf("got %q", got)
	}
	if len(h.waits) != 0 {
		t.Errorf("unexpected waits %v", h.waits)
	}
}

func TestTranslateStripsFenceAndRewraps(t *testing.T) {
	h := newHarness(t, Options{},
		backendtest.Text("```html\n<h2>第一章</h2>\n```"),
		backendtest.Text("你好"),
	)
	ctx := context.Background()

	got, err := h.client.Translate(ctx, "<h2>第一章</h2>", "", "")
	if err != nil || got != "<h2>第一章</h2>" {
		t.Errorf("fenced reply: got %q, %v", got, err)
	}

	got, err = h.client.Translate(ctx, `<p class="x"> こんにちは </p>`, "", "")
	if err != nil {
		t.Fatalf("plain reply: %v", err)
	}
	if want := `<p class="x"> 你好 </p>`; got != want {
		t.Errorf("rewrapped = %q, want %q", got, want)
	}
}

func TestTranslateRetriesQualityFailure(t *testing.T) {
	h := newHarness(t, Options{},
		backendtest.Text("<p>こんにちは</p>"),
		backendtest.Text("<p>你好</p>"),
	)

	got, err := h.client.Translate(context.Background(), "<p>こんにちは</p>", "", "")
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if got != "<p>你好</p>" {
		t.Errorf("got %q", got)
	}
	if len(h.waits) != 1 || h.waits[0] != 2*time.Second {
		t.Errorf("waits = %v, want [2s]", h.waits)
	}
}

func TestTranslateBackendErrorBacksOffLinearly(t *testing.T) {
	h := newHarness(t, Options{},
		backendtest.Fail(backend.ErrInternal),
		backendtest.Fail(backend.ErrInternal),
		backendtest.Text("<p>你好</p>"),
	)

	if _, err := h.client.Translate(context.Background(), "<p>こんにちは</p>", "", ""); err != nil {
		t.Fatalf("Translate: %v", err)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(h.waits) != len(want) || h.waits[0] != want[0] || h.waits[1] != want[1] {
		t.Errorf("waits = %v, want %v", h.waits, want)
	}
	if st := h.mgr.Stats(); st.Reconnections != 0 || st.Resets != 0 {
		t.Errorf("backend errors must not reconnect: %+v", st)
	}
}

func TestTranslateTransportErrorReconnects(t *testing.T) {
	h := newHarness(t, Options{},
		backendtest.Fail(backend.ErrTransport),
		backendtest.Text("<p>你好</p>"),
	)

	if _, err := h.client.Translate(context.Background(), "<p>こんにちは</p>", "", ""); err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if st := h.mgr.Stats(); st.Reconnections != 1 {
		t.Errorf("Reconnections = %d, want 1", st.Reconnections)
	}
	if h.dialer.Dials() != 2 {
		t.Errorf("Dials = %d, want 2", h.dialer.Dials())
	}
}

func TestTranslateTruncatedResetsSession(t *testing.T) {
	h := newHarness(t, Options{},
		backendtest.Truncated("<p>你"),
		backendtest.Text("<p>你好</p>"),
	)

	got, err := h.client.Translate(context.Background(), "<p>こんにちは</p>", "", "")
	if err != nil || got != "<p>你好</p>" {
		t.Fatalf("got %q, %v", got, err)
	}
	st := h.mgr.Stats()
	if st.Resets != 1 || st.Reconnections != 0 {
		t.Errorf("Resets = %d, Reconnections = %d", st.Resets, st.Reconnections)
	}
}

func TestTranslateIdleStream(t *testing.T) {
	h := newHarness(t, Options{IdleTimeout: 20 * time.Millisecond},
		backendtest.Stall("<p>你"),
		backendtest.Text("<p>你好</p>"),
	)

	got, err := h.client.Translate(context.Background(), "<p>こんにちは</p>", "", "")
	if err != nil || got != "<p>你好</p>" {
		t.Fatalf("got %q, %v", got, err)
	}
	if st := h.mgr.Stats(); st.Reconnections != 1 {
		t.Errorf("idle stream should reconnect, stats %+v", st)
	}
}

func TestTranslateExhausted(t *testing.T) {
	kana := backendtest.Text("<p>こんにちは</p>")
	h := newHarness(t, Options{}, kana, kana, kana)
	cur := "<p>こんにちは</p>"

	got, err := h.client.Translate(context.Background(), cur, "", "")
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
	if !errors.Is(err, retry.ErrExhausted) || !errors.Is(err, ErrQuality) {
		t.Errorf("err should wrap the last attempt error: %v", err)
	}
	if got != FailedMarker(cur) {
		t.Errorf("got %q, want failure marker", got)
	}
	if n := len(h.dialer.Prompts()); n != 3 {
		t.Errorf("prompts sent = %d, want 3", n)
	}
}

func TestTranslateFatalStopsImmediately(t *testing.T) {
	h := newHarness(t, Options{},
		backendtest.Fail(backend.ErrAuth),
		backendtest.Text("<p>你好</p>"),
	)

	got, err := h.client.Translate(context.Background(), "<p>こんにちは</p>", "", "")
	if !errors.Is(err, backend.ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}
	if errors.Is(err, ErrExhausted) || got != "" {
		t.Errorf("fatal error must not produce a marker: %q, %v", got, err)
	}
	if h.dialer.Remaining() != 1 {
		t.Errorf("second reply should be unused")
	}
}

func TestTranslateCancelled(t *testing.T) {
	h := newHarness(t, Options{}, backendtest.Text("<p>你好</p>"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := h.client.Translate(ctx, "<p>こんにちは</p>", "", ""); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

// ---------------------------------------------------------------------------
// Prompt
// ---------------------------------------------------------------------------

func TestPrompt(t *testing.T) {
	g := glossary.New([]glossary.Entry{{Source: "魔王", Target: "魔王"}, {Source: "勇者", Target: "勇者"}})
	h := newHarness(t, Options{Glossary: g, GlossaryLimit: 1})

	p := h.client.Prompt("<p>本文</p>", "<p>前の<b>文</b></p>", "<p>次の文</p>")
	for _, want := range []string{
		"from Japanese into Simplified Chinese",
		"GLOSSARY:\n- 魔王 → 魔王\n",
		"Previous: 前の文\n",
		"Next: 次の文\n",
	} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q:\n%s", want, p)
		}
	}
	if strings.Contains(p, "勇者") {
		t.Error("glossary limit not applied")
	}
	if !strings.HasSuffix(p, "FRAGMENT:\n<p>本文</p>") {
		t.Errorf("prompt should end with the fragment:\n%s", p)
	}

	if n := h.client.CacheSize(); n != 2 {
		t.Errorf("CacheSize = %d, want 2", n)
	}
	h.client.ResetCache()
	if n := h.client.CacheSize(); n != 0 {
		t.Errorf("CacheSize after reset = %d", n)
	}
}

func TestPromptWithoutContext(t *testing.T) {
	h := newHarness(t, Options{})
	p := h.client.Prompt("<p>本文</p>", "", "")
	if strings.Contains(p, "CONTEXT") || strings.Contains(p, "GLOSSARY") {
		t.Errorf("unexpected sections:\n%s", p)
	}
}

func TestSystemPromptOverride(t *testing.T) {
	opts := Options{
		SourceLang: "ja",
		TargetLang: "zh-CN",
		Prompts:    &PromptsConfig{Prompts: map[string]string{PromptDefault: "From {{sourceLang}} to {{targetLang}}."}},
	}
	if got := opts.systemPrompt(); got != "From Japanese to Simplified Chinese." {
		t.Errorf("prompts file: %q", got)
	}
	opts.SystemPrompt = "Only {{targetLang}}."
	if got := opts.systemPrompt(); got != "Only Simplified Chinese." {
		t.Errorf("override: %q", got)
	}
}

func TestPromptsFileRoundTrip(t *testing.T) {
	path := t.TempDir() + "/prompts.json"
	cfg, err := LoadPrompts(path)
	if err != nil || cfg != nil {
		t.Fatalf("missing file: %v, %v", cfg, err)
	}
	if err := WriteDefaultPrompts(path); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadPrompts(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Prompts[PromptDefault] != DefaultSystemPrompt {
		t.Error("default prompt not written")
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

func TestStripFence(t *testing.T) {
	cases := []struct{ in, want string }{
		{"<p>a</p>", "<p>a</p>"},
		{"```\n<p>a</p>\n```", "<p>a</p>"},
		{"```html\n<p>a</p>\n```", "<p>a</p>"},
		{"  ```xml\n<text>a</text>```  ", "<text>a</text>"},
		{"text with ``` inside", "text with ``` inside"},
	}
	for _, tc := range cases {
		if got := stripFence(tc.in); got != tc.want {
			t.Errorf("stripFence(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestFinalize(t *testing.T) {
	c := New(nil, Options{SourceLang: "ja", TargetLang: "zh-CN"})
	cases := []struct {
		name    string
		cur     string
		raw     string
		want    string
		wantErr error
	}{
		{"markup kept", "<p>あ</p>", "<p>啊</p>", "<p>啊</p>", nil},
		{"empty", "<p>あ</p>", "  ", "", ErrMalformed},
		{"plain rewrapped", `<h1 id="c1">あ</h1>`, "啊", `<h1 id="c1">啊</h1>`, nil},
		{"nested markup lost", "<p>あ<ruby>漢<rt>かん</rt></ruby></p>", "汉", "", ErrMalformed},
		{"kana residue", "<p>あ</p>", "<p>啊あ</p>", "", ErrQuality},
		{"punctuation residue", "<p>あ</p>", "<p>「啊」</p>", "", ErrQuality},
		{"untagged block", "あ", "啊", "啊", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := c.finalize(tc.cur, tc.raw)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestForbiddenPunctuationOverride(t *testing.T) {
	c := New(nil, Options{SourceLang: "ja", ForbiddenPunctuation: "・"})
	if err := c.checkQuality("<p>「啊」</p>"); err != nil {
		t.Errorf("brackets allowed by override: %v", err)
	}
	if err := c.checkQuality("<p>啊・啊</p>"); !errors.Is(err, ErrQuality) {
		t.Errorf("err = %v, want ErrQuality", err)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Class
	}{
		{nil, ClassNone},
		{context.Canceled, ClassFatal},
		{backend.ErrAuth, ClassFatal},
		{session.ErrNoCredential, ClassFatal},
		{backend.ErrTruncated, ClassTruncated},
		{ErrQuality, ClassQuality},
		{ErrMalformed, ClassQuality},
		{backend.ErrInternal, ClassBackend},
		{backend.ErrRateLimited, ClassBackend},
		{backend.ErrIdle, ClassTransport},
		{context.DeadlineExceeded, ClassTransport},
		{errors.New("connection reset"), ClassTransport},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}
