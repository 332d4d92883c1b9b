package dispatch_test

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"omninotify/internal/dispatch"
	"omninotify/internal/dispatch/dispatchtest"
	"omninotify/internal/eventbus"
	"omninotify/internal/model"
	"omninotify/internal/storage"
	"omninotify/internal/tree"
)

func newDispatcher(t *testing.T, set *dispatchtest.Set, bus eventbus.Bus) *dispatch.Dispatcher {
	t.Helper()
	cfg := dispatch.Config{
		Chat:  dispatch.ChannelConfig{Timeout: 50 * time.Millisecond, RatePerSec: 1000},
		Push:  dispatch.ChannelConfig{Timeout: 50 * time.Millisecond, RatePerSec: 1000},
		Email: dispatch.ChannelConfig{Timeout: 50 * time.Millisecond, RatePerSec: 1000},
	}
	return dispatch.New(cfg, set.Transports(), nil, dispatchtest.Logger(t), bus)
}

func reminderPayload() dispatch.Payload {
	return dispatch.Payload{
		Kind:       dispatch.KindReminder,
		ReminderID: "r1",
		Message:    "call mom",
		Node:       tree.NodeInfo{ID: "n1", Excerpt: "Family", URL: "https://app.example/block/n1"},
	}
}

func TestDispatchEmailModes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		mode      model.EmailMode
		chatErr   error
		pushErr   error
		attempted []string
		succeeded []string
		wantErr   error
	}{
		{"fallback skipped when chat ok", model.EmailFallback, nil, nil,
			[]string{"chat", "push"}, []string{"chat", "push"}, nil},
		{"fallback skipped when only push ok", model.EmailFallback, errors.New("down"), nil,
			[]string{"chat", "push"}, []string{"push"}, nil},
		{"fallback used when primaries fail", model.EmailFallback, errors.New("down"), errors.New("gone"),
			[]string{"chat", "push", "email"}, []string{"email"}, nil},
		{"always", model.EmailAlways, nil, nil,
			[]string{"chat", "push", "email"}, []string{"chat", "push", "email"}, nil},
		{"off and all fail", model.EmailOff, errors.New("down"), errors.New("gone"),
			[]string{"chat", "push"}, nil, dispatch.ErrAllChannelsFailed},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			set := dispatchtest.NewSet()
			set.Chat.Set(dispatchtest.Behavior{Err: tc.chatErr})
			set.Push.Set(dispatchtest.Behavior{Err: tc.pushErr})
			d := newDispatcher(t, set, nil)

			res, err := d.Dispatch(context.Background(), dispatchtest.AllSettings("u1", tc.mode), reminderPayload())
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err=%v, want %v", err, tc.wantErr)
			}
			if !reflect.DeepEqual(res.Attempted, tc.attempted) {
				t.Fatalf("attempted=%v, want %v", res.Attempted, tc.attempted)
			}
			if !reflect.DeepEqual(res.Succeeded, tc.succeeded) {
				t.Fatalf("succeeded=%v, want %v", res.Succeeded, tc.succeeded)
			}
		})
	}
}

func TestDispatchNoChannels(t *testing.T) {
	t.Parallel()
	set := dispatchtest.NewSet()
	d := newDispatcher(t, set, nil)

	res, err := d.Dispatch(context.Background(), model.ChannelSettings{UserID: "u1"}, reminderPayload())
	if err != nil || len(res.Attempted) != 0 {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	// Enabled but unconfigured channels are not attempted either.
	s := model.ChannelSettings{UserID: "u1", ChatEnabled: true, PushEnabled: true, EmailEnabled: true, EmailMode: model.EmailAlways}
	res, err = d.Dispatch(context.Background(), s, reminderPayload())
	if err != nil || len(res.Attempted) != 0 {
		t.Fatalf("unconfigured: res=%+v err=%v", res, err)
	}
}

func TestDispatchNilTransportSkipsChannel(t *testing.T) {
	t.Parallel()
	set := dispatchtest.NewSet()
	d := dispatch.New(dispatch.Config{}, dispatch.Transports{Email: set.Email}, nil, dispatchtest.Logger(t), nil)

	res, err := d.Dispatch(context.Background(), dispatchtest.AllSettings("u1", model.EmailFallback), reminderPayload())
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if !reflect.DeepEqual(res.Attempted, []string{"email"}) {
		t.Fatalf("attempted=%v", res.Attempted)
	}
}

func TestDispatchTimeoutAndPanicAreFailures(t *testing.T) {
	t.Parallel()
	set := dispatchtest.NewSet()
	set.Chat.Set(dispatchtest.Behavior{Delay: time.Second, IgnoreContext: true})
	set.Push.Set(dispatchtest.Behavior{Panic: true})
	d := newDispatcher(t, set, nil)

	start := time.Now()
	res, err := d.Dispatch(context.Background(), dispatchtest.AllSettings("u1", model.EmailFallback), reminderPayload())
	if took := time.Since(start); took > 500*time.Millisecond {
		t.Fatalf("dispatch not bounded by channel timeout: %v", took)
	}
	if err != nil {
		t.Fatalf("email fallback should succeed: %v", err)
	}
	if !reflect.DeepEqual(res.Succeeded, []string{"email"}) {
		t.Fatalf("succeeded=%v", res.Succeeded)
	}
	if set.Push.Calls() != 1 {
		t.Fatalf("push not attempted after chat timeout")
	}
}

func TestDispatchIgnoresCallerCancellation(t *testing.T) {
	t.Parallel()
	set := dispatchtest.NewSet()
	d := newDispatcher(t, set, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := model.ChannelSettings{UserID: "u1", ChatEnabled: true, ChatID: "42"}
	if _, err := d.Dispatch(ctx, s, reminderPayload()); err != nil {
		t.Fatalf("err=%v", err)
	}
	if got := set.Chat.Sent(); len(got) != 1 || got[0].To != "42" {
		t.Fatalf("chat sent=%+v", got)
	}
}

func TestDispatchPublishesEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8, "dispatch.")
	defer unsub()

	set := dispatchtest.NewSet()
	set.Push.Set(dispatchtest.Behavior{Err: errors.New("410 gone")})
	d := newDispatcher(t, set, bus)
	_, _ = d.Dispatch(context.Background(), dispatchtest.AllSettings("u1", model.EmailOff), reminderPayload())

	var got []string
	for len(ch) > 0 {
		e := <-ch
		got = append(got, e.Type+":"+e.Data.(eventbus.Delivery).Channel)
	}
	want := []string{"dispatch.sent:chat", "dispatch.failed:push"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("events=%v, want %v", got, want)
	}
}

func TestDeliverLoadsSettings(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	_ = st.PutSettings(ctx, model.ChannelSettings{UserID: "u1", ChatEnabled: true, ChatID: "7"})

	set := dispatchtest.NewSet()
	d := dispatch.New(dispatch.Config{}, set.Transports(), st, dispatchtest.Logger(t), nil)

	res, err := d.Deliver(ctx, "u1", reminderPayload())
	if err != nil || !res.Delivered() {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	if got := set.Chat.Sent(); len(got) != 1 || got[0].Payload.UserID != "u1" {
		t.Fatalf("sent=%+v", got)
	}

	res, err = d.Deliver(ctx, "nobody", reminderPayload())
	if err != nil || len(res.Attempted) != 0 {
		t.Fatalf("unknown user: res=%+v err=%v", res, err)
	}
}

func TestTestNotificationPerChannel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	// linked but disabled targets still get a test message
	_ = st.PutSettings(ctx, model.ChannelSettings{
		UserID: "u1", ChatID: "7", Push: &model.PushTarget{Endpoint: "https://push.example/abc"},
	})
	set := dispatchtest.NewSet()
	d := dispatch.New(dispatch.Config{}, set.Transports(), st, dispatchtest.Logger(t), nil)

	if res, err := d.Test(ctx, "u1", dispatch.ChannelChat); err != nil || !reflect.DeepEqual(res.Succeeded, []string{"chat"}) {
		t.Fatalf("chat: res=%+v err=%v", res, err)
	}
	got := set.Chat.Sent()
	if len(got) != 1 || got[0].To != "7" || got[0].Payload.Kind != dispatch.KindTest {
		t.Fatalf("chat sent=%+v", got)
	}
	if p := got[0].Payload; p.Title() != "Test notification" || p.Body() != "Notifications over chat are working." || p.Tag() != "test" {
		t.Fatalf("payload title=%q body=%q tag=%q", p.Title(), p.Body(), p.Tag())
	}
	if set.Push.Calls() != 0 || set.Email.Calls() != 0 {
		t.Fatal("test reached other channels")
	}

	set.Push.Set(dispatchtest.Behavior{Err: errors.New("410 gone")})
	if _, err := d.Test(ctx, "u1", dispatch.ChannelPush); !errors.Is(err, dispatch.ErrAllChannelsFailed) {
		t.Fatalf("push err=%v", err)
	}

	for _, ch := range []string{dispatch.ChannelEmail, "sms"} {
		if _, err := d.Test(ctx, "u1", ch); !model.IsValidation(err) {
			t.Fatalf("%s: err=%v, want validation", ch, err)
		}
	}
	if _, err := d.Test(ctx, "nobody", dispatch.ChannelChat); !model.IsValidation(err) {
		t.Fatalf("unknown user: err=%v", err)
	}
}

func TestPayloadRendering(t *testing.T) {
	t.Parallel()
	events := []model.PendingChangeEvent{
		{Kind: model.ChangeText, ActorID: "bob"},
		{Kind: model.ChangeText, ActorID: "alice"},
		{Kind: model.ChangeMove, ActorID: "bob"},
	}
	sum := dispatch.Summarize(events)
	if sum.Total != 3 || sum.ByKind[model.ChangeText] != 2 || sum.ByKind[model.ChangeMove] != 1 {
		t.Fatalf("summary=%+v", sum)
	}
	if !reflect.DeepEqual(sum.Actors, []string{"bob", "alice"}) {
		t.Fatalf("actors=%v", sum.Actors)
	}

	p := dispatch.Payload{
		Kind:    dispatch.KindAggregated,
		Summary: &sum,
		Node:    tree.NodeInfo{ID: "n1", Excerpt: strings.Repeat("x", 500), URL: "https://app.example/block/n1"},
	}
	if p.Title() != "3 changes in a block" {
		t.Fatalf("title=%q", p.Title())
	}
	body := p.Body()
	for _, want := range []string{"Text changed: 2", "Block moved: 1", "by bob, alice", "https://app.example/block/n1"} {
		if !strings.Contains(body, want) {
			t.Fatalf("body missing %q:\n%s", want, body)
		}
	}
	if strings.Contains(body, strings.Repeat("x", tree.ExcerptLimit+1)) {
		t.Fatalf("excerpt not bounded")
	}
	if p.Tag() != "block-n1" || reminderPayload().Tag() != "reminder-r1" {
		t.Fatalf("tags: %q %q", p.Tag(), reminderPayload().Tag())
	}
}
