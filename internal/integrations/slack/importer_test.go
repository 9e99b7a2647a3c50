package slack

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"chatarchive/internal/storage"
	"chatarchive/internal/storage/storagetest"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/slack-go/slack"
)

var testCred = Credential{Token: testToken}

type importFixture struct {
	fake     *fakeSlack
	store    *storagetest.MemoryStore
	reporter *captureReporter
	importer *Importer
	account  *storage.Account
	channel  storage.Channel
}

func newImportFixture(t *testing.T, opts ImporterOptions) *importFixture {
	t.Helper()
	ctx := context.Background()

	f := &importFixture{
		fake:     newFakeSlack(t),
		store:    storagetest.NewMemoryStore(),
		reporter: &captureReporter{},
	}

	account, err := f.store.UpsertAccount(ctx, storage.AccountParams{RemoteTeamID: "T1", Name: "Acme"})
	if err != nil {
		t.Fatalf("UpsertAccount() error = %v", err)
	}
	channel, err := f.store.UpsertChannel(ctx, storage.ChannelParams{AccountID: account.ID, RemoteChannelID: "C1", Name: "general"})
	if err != nil {
		t.Fatalf("UpsertChannel() error = %v", err)
	}
	f.account = account
	f.channel = *channel

	opts.Reporter = f.reporter
	if opts.Retrier == nil {
		opts.Retrier = NewRetrier(fastPolicy(1), NewBreaker(5))
	}
	f.importer = NewImporter(f.fake.client(), f.store, opts)
	return f
}

func (f *importFixture) addUser(t *testing.T, remoteID string) uuid.UUID {
	t.Helper()
	_, err := f.store.CreateManyUsers(context.Background(), []storage.UserParams{{
		AccountID: f.account.ID, RemoteUserID: remoteID, DisplayName: remoteID, AnonymousAlias: "alias-" + remoteID,
	}}, true)
	if err != nil {
		t.Fatalf("CreateManyUsers() error = %v", err)
	}
	u, _ := f.store.FindUser(context.Background(), remoteID, f.account.ID)
	return u.ID
}

func remoteIDs(msgs []storage.Message) []string {
	var ids []string
	for _, m := range msgs {
		ids = append(ids, m.RemoteMessageID)
	}
	return ids
}

func TestImportChannelHistory_IsIdempotent(t *testing.T) {
	f := newImportFixture(t, ImporterOptions{})
	body := "first version"
	f.fake.handle("conversations.history", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, historyPage(false, "", msg("2.000000", "U1", body), msg("1.000000", "U1", "hello")))
	})
	ctx := testContext(t)

	if err := f.importer.ImportChannelHistory(ctx, f.channel, testCred); err != nil {
		t.Fatalf("first import: %v", err)
	}
	before := f.store.Messages(f.channel.ID)

	body = "edited version"
	if err := f.importer.ImportChannelHistory(ctx, f.channel, testCred); err != nil {
		t.Fatalf("second import: %v", err)
	}
	after := f.store.Messages(f.channel.ID)

	if len(after) != 2 {
		t.Fatalf("Expected 2 messages after re-import, got %d", len(after))
	}
	for i := range after {
		if after[i].ID != before[i].ID {
			t.Errorf("Message %s changed identity on re-import", after[i].RemoteMessageID)
		}
	}
	if got := f.store.Message(f.channel.ID, "2.000000").Body; got != "edited version" {
		t.Errorf("Expected content to follow the latest import, got %q", got)
	}
}

func TestImportChannelHistory_FollowsCursor(t *testing.T) {
	f := newImportFixture(t, ImporterOptions{})
	f.fake.handle("conversations.history", func(w http.ResponseWriter, r *http.Request) {
		switch r.FormValue("cursor") {
		case "":
			writeJSON(w, historyPage(true, "c2", msg("3.000000", "U1", "three")))
		case "c2":
			writeJSON(w, historyPage(true, "c3", msg("2.000000", "U1", "two")))
		default:
			writeJSON(w, historyPage(false, "", msg("1.000000", "U1", "one")))
		}
	})

	if err := f.importer.ImportChannelHistory(testContext(t), f.channel, testCred); err != nil {
		t.Fatalf("ImportChannelHistory() error = %v", err)
	}

	if diff := cmp.Diff([]string{"1.000000", "2.000000", "3.000000"}, remoteIDs(f.store.Messages(f.channel.ID))); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}
	if n := len(f.fake.callsTo("conversations.history")); n != 3 {
		t.Errorf("Expected 3 page fetches, got %d", n)
	}
}

func TestImportChannelHistory_SkipsNonContent(t *testing.T) {
	f := newImportFixture(t, ImporterOptions{})
	f.fake.reply("conversations.history", historyPage(false, "",
		msg("3.000000", "U1", "<@U1> has joined the channel", map[string]any{"subtype": "channel_join"}),
		msg("2.000000", "U1", "set the topic", map[string]any{"subtype": "channel_topic"}),
		msg("1.000000", "U1", "real content"),
	))

	if err := f.importer.ImportChannelHistory(testContext(t), f.channel, testCred); err != nil {
		t.Fatalf("ImportChannelHistory() error = %v", err)
	}

	if diff := cmp.Diff([]string{"1.000000"}, remoteIDs(f.store.Messages(f.channel.ID))); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}
	if n := len(f.reporter.reported()); n != 0 {
		t.Errorf("Expected filtered messages not to be reported, got %d reports", n)
	}
}

func TestImportChannelHistory_IsolatesMessageFailures(t *testing.T) {
	f := newImportFixture(t, ImporterOptions{})
	f.store.FailMessages["2.000000"] = errors.New("constraint violation")
	f.fake.reply("conversations.history", historyPage(false, "",
		msg("3.000000", "U1", "three"),
		msg("2.000000", "U1", "two"),
		msg("1.000000", "U1", "one"),
	))

	if err := f.importer.ImportChannelHistory(testContext(t), f.channel, testCred); err != nil {
		t.Fatalf("Expected per-message failures not to fail the import, got %v", err)
	}

	if diff := cmp.Diff([]string{"1.000000", "3.000000"}, remoteIDs(f.store.Messages(f.channel.ID))); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}

	reports := f.reporter.reported()
	if len(reports) != 1 {
		t.Fatalf("Expected exactly one report, got %d: %v", len(reports), reports)
	}
	var recordErr *RecordError
	if !errors.As(reports[0], &recordErr) || recordErr.RemoteMessageID != "2.000000" {
		t.Errorf("Expected a record error for message 2, got %v", reports[0])
	}
}

func TestImportChannelHistory_ResolvesAuthors(t *testing.T) {
	f := newImportFixture(t, ImporterOptions{})
	known := f.addUser(t, "U1")
	f.fake.reply("conversations.history", historyPage(false, "",
		msg("2.000000", "U404", "from a stranger"),
		msg("1.000000", "U1", "from a member"),
	))

	if err := f.importer.ImportChannelHistory(testContext(t), f.channel, testCred); err != nil {
		t.Fatalf("ImportChannelHistory() error = %v", err)
	}

	member := f.store.Message(f.channel.ID, "1.000000")
	if member.AuthorID == nil || *member.AuthorID != known {
		t.Errorf("Expected author %s, got %v", known, member.AuthorID)
	}

	stranger := f.store.Message(f.channel.ID, "2.000000")
	if stranger == nil {
		t.Fatal("Expected message from an unknown author to be persisted")
	}
	if stranger.AuthorID != nil {
		t.Errorf("Expected nil author for unknown user, got %v", stranger.AuthorID)
	}
	if stranger.RemoteAuthorID != "U404" {
		t.Errorf("Expected remote author to be kept, got %q", stranger.RemoteAuthorID)
	}
}

func TestImportChannelHistory_StoresMessagesWithoutAuthor(t *testing.T) {
	f := newImportFixture(t, ImporterOptions{})
	f.fake.reply("conversations.history", historyPage(false, "",
		msg("1.000000", "", "system notice"),
	))

	if err := f.importer.ImportChannelHistory(testContext(t), f.channel, testCred); err != nil {
		t.Fatalf("ImportChannelHistory() error = %v", err)
	}

	stored := f.store.Message(f.channel.ID, "1.000000")
	if stored == nil {
		t.Fatal("Expected message without an author to be persisted")
	}
	if stored.AuthorID != nil {
		t.Errorf("Expected nil author, got %v", stored.AuthorID)
	}
	if stored.RemoteAuthorID != "" {
		t.Errorf("Expected empty remote author, got %q", stored.RemoteAuthorID)
	}
	if n := len(f.fake.callsTo("users.info")); n != 0 {
		t.Errorf("Expected no user lookups, got %d", n)
	}
	if n := len(f.reporter.reported()); n != 0 {
		t.Errorf("Expected no reported errors, got %d", n)
	}
}

func TestImportChannelHistory_PageErrorStillImportsThreads(t *testing.T) {
	f := newImportFixture(t, ImporterOptions{})
	f.fake.handle("conversations.history", func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("cursor") == "" {
			writeJSON(w, historyPage(true, "p2",
				msg("10.000000", "U1", "Deploy plan for Friday", map[string]any{"thread_ts": "10.000000", "reply_count": 1}),
			))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	})
	f.fake.reply("conversations.replies", map[string]any{
		"ok": true,
		"messages": []map[string]any{
			msg("10.000000", "U1", "Deploy plan for Friday", map[string]any{"thread_ts": "10.000000"}),
			msg("11.000000", "U2", "looks good", map[string]any{"thread_ts": "10.000000"}),
		},
	})

	err := f.importer.ImportChannelHistory(testContext(t), f.channel, testCred)
	if err == nil || !strings.Contains(err.Error(), "page 2") {
		t.Fatalf("Expected the page 2 fetch error, got %v", err)
	}

	threads := f.store.Threads()
	if len(threads) != 1 || threads[0].Slug != "deploy-plan-for-friday" {
		t.Fatalf("Expected one thread slugged from its first reply, got %+v", threads)
	}
	for _, ts := range []string{"10.000000", "11.000000"} {
		m := f.store.Message(f.channel.ID, ts)
		if m == nil || m.ThreadID == nil || *m.ThreadID != threads[0].ID {
			t.Errorf("Expected message %s to belong to the thread, got %+v", ts, m)
		}
	}
}

func TestImportThreadReplies_OrdersRepliesByTimestamp(t *testing.T) {
	f := newImportFixture(t, ImporterOptions{})
	f.fake.reply("conversations.replies", map[string]any{
		"ok": true,
		"messages": []map[string]any{
			msg("3", "U1", "third reply", map[string]any{"thread_ts": "1"}),
			msg("1", "U1", "first reply", map[string]any{"thread_ts": "1"}),
			msg("2", "U1", "second reply", map[string]any{"thread_ts": "1"}),
		},
	})
	refs := []ThreadRef{{ChannelID: f.channel.ID, RemoteChannelID: "C1", RemoteThreadID: "1"}}

	if err := f.importer.ImportThreadReplies(testContext(t), refs, testCred, f.account.ID); err != nil {
		t.Fatalf("ImportThreadReplies() error = %v", err)
	}

	threads := f.store.Threads()
	if len(threads) != 1 {
		t.Fatalf("Expected 1 thread, got %d", len(threads))
	}
	if threads[0].Slug != "first-reply" {
		t.Errorf("Expected slug from the earliest reply, got %q", threads[0].Slug)
	}
	if threads[0].SentAt != 1000 {
		t.Errorf("Expected thread sent_at 1000, got %d", threads[0].SentAt)
	}
	if n := len(f.store.Messages(f.channel.ID)); n != 3 {
		t.Errorf("Expected 3 replies stored, got %d", n)
	}
}

func TestImportThreadReplies_EmptyThreadUsesThreadTimestamp(t *testing.T) {
	f := newImportFixture(t, ImporterOptions{})
	f.fake.reply("conversations.replies", map[string]any{
		"ok": true,
		"messages": []map[string]any{
			msg("7.000000", "U1", "<@U1> has joined the channel", map[string]any{"subtype": "channel_join", "thread_ts": "7.000000"}),
		},
	})
	refs := []ThreadRef{{ChannelID: f.channel.ID, RemoteChannelID: "C1", RemoteThreadID: "7.000000"}}

	if err := f.importer.ImportThreadReplies(testContext(t), refs, testCred, f.account.ID); err != nil {
		t.Fatalf("ImportThreadReplies() error = %v", err)
	}

	threads := f.store.Threads()
	if len(threads) != 1 {
		t.Fatalf("Expected 1 thread, got %d", len(threads))
	}
	if threads[0].SentAt != 7000 {
		t.Errorf("Expected sent_at from the thread timestamp, got %d", threads[0].SentAt)
	}
	if threads[0].Slug != "conversation" {
		t.Errorf("Expected fallback slug, got %q", threads[0].Slug)
	}
}

func TestImportThreadReplies_ThreadIsCreatedOnce(t *testing.T) {
	f := newImportFixture(t, ImporterOptions{})
	first := "original question"
	f.fake.handle("conversations.replies", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"ok":       true,
			"messages": []map[string]any{msg("5.000000", "U1", first, map[string]any{"thread_ts": "5.000000"})},
		})
	})
	refs := []ThreadRef{{ChannelID: f.channel.ID, RemoteChannelID: "C1", RemoteThreadID: "5.000000"}}
	ctx := testContext(t)

	if err := f.importer.ImportThreadReplies(ctx, refs, testCred, f.account.ID); err != nil {
		t.Fatalf("first import: %v", err)
	}
	created := f.store.Threads()[0]

	first = "edited question"
	if err := f.importer.ImportThreadReplies(ctx, refs, testCred, f.account.ID); err != nil {
		t.Fatalf("second import: %v", err)
	}

	threads := f.store.Threads()
	if len(threads) != 1 {
		t.Fatalf("Expected 1 thread, got %d", len(threads))
	}
	if diff := cmp.Diff(created, threads[0]); diff != "" {
		t.Errorf("thread changed on re-import (-want +got):\n%s", diff)
	}
}

func TestImportThreadReplies_IsolatesThreadFailures(t *testing.T) {
	f := newImportFixture(t, ImporterOptions{ThreadConcurrency: 2})
	f.fake.handle("conversations.replies", func(w http.ResponseWriter, r *http.Request) {
		ts := r.FormValue("ts")
		if ts == "1.000000" {
			writeJSON(w, map[string]any{"ok": false, "error": "thread_not_found"})
			return
		}
		writeJSON(w, map[string]any{
			"ok":       true,
			"messages": []map[string]any{msg(ts, "U1", "fine", map[string]any{"thread_ts": ts})},
		})
	})
	refs := []ThreadRef{
		{ChannelID: f.channel.ID, RemoteChannelID: "C1", RemoteThreadID: "1.000000"},
		{ChannelID: f.channel.ID, RemoteChannelID: "C1", RemoteThreadID: "2.000000"},
		{ChannelID: f.channel.ID, RemoteChannelID: "C1", RemoteThreadID: "3.000000"},
	}

	if err := f.importer.ImportThreadReplies(testContext(t), refs, testCred, f.account.ID); err != nil {
		t.Fatalf("ImportThreadReplies() error = %v", err)
	}

	if n := len(f.store.Threads()); n != 2 {
		t.Errorf("Expected 2 threads, got %d", n)
	}
	reports := f.reporter.reported()
	if len(reports) != 1 || !strings.Contains(reports[0].Error(), "thread_not_found") {
		t.Errorf("Expected one thread_not_found report, got %v", reports)
	}
}

func TestImportThreadReplies_ReportsMalformedTimestamps(t *testing.T) {
	f := newImportFixture(t, ImporterOptions{})
	f.fake.reply("conversations.replies", map[string]any{
		"ok": true,
		"messages": []map[string]any{
			msg("garbage", "U1", "broken", map[string]any{"thread_ts": "7.000000"}),
			msg("7.000000", "U1", "root", map[string]any{"thread_ts": "7.000000"}),
		},
	})
	refs := []ThreadRef{{ChannelID: f.channel.ID, RemoteChannelID: "C1", RemoteThreadID: "7.000000"}}

	if err := f.importer.ImportThreadReplies(testContext(t), refs, testCred, f.account.ID); err != nil {
		t.Fatalf("ImportThreadReplies() error = %v", err)
	}

	reports := f.reporter.reported()
	if len(reports) != 1 || !errors.Is(reports[0], ErrMalformedTimestamp) {
		t.Errorf("Expected one malformed timestamp report, got %v", reports)
	}
	if diff := cmp.Diff([]string{"7.000000"}, remoteIDs(f.store.Messages(f.channel.ID))); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}
}

func TestImportUsers_KeepsExistingAliases(t *testing.T) {
	var n atomic.Int32
	f := newImportFixture(t, ImporterOptions{Alias: func() string {
		return fmt.Sprintf("alias-%d", n.Add(1))
	}})
	ctx := testContext(t)

	users := []slack.User{{ID: "U1", Profile: slack.UserProfile{DisplayName: "Ann"}}}
	if err := f.importer.ImportUsers(ctx, users, f.account.ID); err != nil {
		t.Fatalf("first import: %v", err)
	}

	users = append(users, slack.User{ID: "U2", IsBot: true, Profile: slack.UserProfile{RealName: "Deploy Bot"}})
	if err := f.importer.ImportUsers(ctx, users, f.account.ID); err != nil {
		t.Fatalf("second import: %v", err)
	}

	got := f.store.Users(f.account.ID)
	if len(got) != 2 {
		t.Fatalf("Expected 2 users, got %d", len(got))
	}
	if got[0].AnonymousAlias != "alias-1" {
		t.Errorf("Expected U1 to keep its first alias, got %q", got[0].AnonymousAlias)
	}
	if got[1].DisplayName != "Deploy Bot" || !got[1].IsBot {
		t.Errorf("Unexpected second user: %+v", got[1])
	}
}

func TestImportMessage_LiveEvents(t *testing.T) {
	f := newImportFixture(t, ImporterOptions{})
	f.fake.reply("conversations.replies", map[string]any{
		"ok": true,
		"messages": []map[string]any{
			msg("5.000000", "U1", "Anyone seen the build?", map[string]any{"thread_ts": "5.000000"}),
			msg("6.000000", "U2", "it is green", map[string]any{"thread_ts": "5.000000"}),
		},
	})
	ctx := testContext(t)

	top := message("4.000000", "U1", "good morning")
	if err := f.importer.ImportMessage(ctx, f.channel, top, testCred); err != nil {
		t.Fatalf("ImportMessage(top level) error = %v", err)
	}
	if f.store.Message(f.channel.ID, "4.000000") == nil {
		t.Error("Expected top-level message to be stored")
	}

	reply := message("6.000000", "U2", "it is green")
	reply.ThreadTimestamp = "5.000000"
	if err := f.importer.ImportMessage(ctx, f.channel, reply, testCred); err != nil {
		t.Fatalf("ImportMessage(reply) error = %v", err)
	}

	threads := f.store.Threads()
	if len(threads) != 1 || threads[0].Slug != "anyone-seen-the-build" {
		t.Fatalf("Expected the thread to be created from its root, got %+v", threads)
	}
	if m := f.store.Message(f.channel.ID, "6.000000"); m == nil || m.ThreadID == nil {
		t.Errorf("Expected the reply to be linked to its thread, got %+v", m)
	}

	join := message("7.000000", "U3", "joined")
	join.SubType = "channel_join"
	if err := f.importer.ImportMessage(ctx, f.channel, join, testCred); err != nil {
		t.Errorf("Expected non-content events to be ignored, got %v", err)
	}
	if f.store.Message(f.channel.ID, "7.000000") != nil {
		t.Error("Expected channel_join not to be stored")
	}
}

func TestImportMessage_FetchesUnknownAuthor(t *testing.T) {
	f := newImportFixture(t, ImporterOptions{})
	f.fake.reply("users.info", map[string]any{
		"ok":   true,
		"user": map[string]any{"id": "U9", "name": "newcomer", "profile": map[string]any{"display_name": "New Person"}},
	})
	ctx := testContext(t)

	if err := f.importer.ImportMessage(ctx, f.channel, message("8.000000", "U9", "hi all"), testCred); err != nil {
		t.Fatalf("ImportMessage() error = %v", err)
	}

	users := f.store.Users(f.account.ID)
	if len(users) != 1 || users[0].RemoteUserID != "U9" || users[0].DisplayName != "New Person" {
		t.Fatalf("Expected U9 to be imported, got %+v", users)
	}
	m := f.store.Message(f.channel.ID, "8.000000")
	if m == nil || m.AuthorID == nil || *m.AuthorID != users[0].ID {
		t.Errorf("Expected the message to be linked to U9, got %+v", m)
	}

	if err := f.importer.ImportMessage(ctx, f.channel, message("9.000000", "U9", "again"), testCred); err != nil {
		t.Fatalf("ImportMessage() error = %v", err)
	}
	if n := len(f.fake.callsTo("users.info")); n != 1 {
		t.Errorf("Expected a known author not to be fetched again, got %d users.info calls", n)
	}
}

func TestImportChannelHistory_MirrorsFiles(t *testing.T) {
	dir := t.TempDir()
	f := newImportFixture(t, ImporterOptions{FileMirrorDir: dir})
	var downloads atomic.Int32
	f.fake.handle("files/notes.txt", func(w http.ResponseWriter, r *http.Request) {
		downloads.Add(1)
		w.Write([]byte("meeting notes"))
	})
	f.fake.reply("conversations.history", historyPage(false, "",
		msg("1.000000", "U1", "", map[string]any{
			"subtype": "file_share",
			"files": []map[string]any{{
				"id": "F1", "name": "notes.txt", "mimetype": "text/plain", "size": 13,
				"url_private": f.fake.server.URL + "/files/notes.txt",
			}},
		}),
	))
	ctx := testContext(t)

	for i := 0; i < 2; i++ {
		if err := f.importer.ImportChannelHistory(ctx, f.channel, testCred); err != nil {
			t.Fatalf("import %d: %v", i, err)
		}
	}

	stored := f.store.Message(f.channel.ID, "1.000000")
	if stored == nil || len(stored.Attachments) != 1 {
		t.Fatalf("Expected one attachment, got %+v", stored)
	}
	a := stored.Attachments[0]
	if a.ContentHash != storage.HashContent([]byte("meeting notes")) {
		t.Errorf("Unexpected content hash %q", a.ContentHash)
	}
	content, err := os.ReadFile(a.StoredPath)
	if err != nil || string(content) != "meeting notes" {
		t.Errorf("Expected mirrored file at %s, got %q (%v)", a.StoredPath, content, err)
	}
	if n := downloads.Load(); n != 1 {
		t.Errorf("Expected the file to be downloaded once, got %d", n)
	}
	if stored.Kind != string(KindFileShare) {
		t.Errorf("Expected kind file_share, got %q", stored.Kind)
	}
}

func TestImportChannelHistory_MirroredFilesShareContent(t *testing.T) {
	dir := t.TempDir()
	f := newImportFixture(t, ImporterOptions{FileMirrorDir: dir})
	for _, name := range []string{"files/a.txt", "files/b.txt"} {
		f.fake.handle(name, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("same bytes"))
		})
	}
	file := func(id, name string) map[string]any {
		return map[string]any{"id": id, "name": name, "url_private": f.fake.server.URL + "/files/" + name}
	}
	f.fake.reply("conversations.history", historyPage(false, "",
		msg("1.000000", "U1", "", map[string]any{
			"subtype": "file_share",
			"files":   []map[string]any{file("F1", "a.txt"), file("F2", "b.txt")},
		}),
	))

	if err := f.importer.ImportChannelHistory(testContext(t), f.channel, testCred); err != nil {
		t.Fatalf("ImportChannelHistory() error = %v", err)
	}

	stored := f.store.Message(f.channel.ID, "1.000000")
	if stored == nil || len(stored.Attachments) != 2 {
		t.Fatalf("Expected two attachments, got %+v", stored)
	}
	first, second := stored.Attachments[0], stored.Attachments[1]
	if first.StoredPath == "" || first.StoredPath != second.StoredPath {
		t.Errorf("Expected identical files to share a path, got %q and %q", first.StoredPath, second.StoredPath)
	}

	var leftovers []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasSuffix(path, ".tmp") {
			leftovers = append(leftovers, path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walking mirror dir: %v", err)
	}
	if len(leftovers) != 0 {
		t.Errorf("Expected no temp files left behind, got %v", leftovers)
	}
}

func TestSyncWorkspace(t *testing.T) {
	f := newImportFixture(t, ImporterOptions{JoinChannels: true})
	f.fake.reply("team.info", map[string]any{"ok": true, "team": map[string]any{"id": "T9", "name": "Initech", "domain": "initech"}})
	f.fake.reply("users.list", map[string]any{
		"ok": true,
		"members": []map[string]any{
			{"id": "U1", "name": "ann", "profile": map[string]any{"display_name": "Ann"}},
			{"id": "U2", "name": "bob"},
		},
		"response_metadata": map[string]any{"next_cursor": ""},
	})
	f.fake.reply("conversations.list", map[string]any{
		"ok": true,
		"channels": []map[string]any{
			{"id": "C1", "name": "general", "is_channel": true, "is_member": true},
			{"id": "C2", "name": "random", "is_channel": true, "is_member": false},
		},
		"response_metadata": map[string]any{"next_cursor": ""},
	})
	f.fake.reply("conversations.join", map[string]any{"ok": true, "channel": map[string]any{"id": "C2"}})
	f.fake.handle("conversations.history", func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("channel") == "C1" {
			writeJSON(w, historyPage(false, "", msg("1.000000", "U1", "hi from general")))
			return
		}
		writeJSON(w, historyPage(false, "", msg("2.000000", "U2", "hi from random")))
	})
	ctx := testContext(t)

	if err := f.importer.SyncWorkspace(ctx, testCred); err != nil {
		t.Fatalf("SyncWorkspace() error = %v", err)
	}

	account, _ := f.store.FindAccount(ctx, "T9")
	if account == nil || account.Name != "Initech" {
		t.Fatalf("Expected account T9 to be stored, got %+v", account)
	}
	if n := len(f.store.Users(account.ID)); n != 2 {
		t.Errorf("Expected 2 users, got %d", n)
	}

	channels, _ := f.store.ListChannels(ctx, account.ID)
	if len(channels) != 2 {
		t.Fatalf("Expected 2 channels, got %d", len(channels))
	}
	for _, ch := range channels {
		msgs := f.store.Messages(ch.ID)
		if len(msgs) != 1 || msgs[0].AuthorID == nil {
			t.Errorf("Expected one attributed message in %s, got %+v", ch.Name, msgs)
		}
	}

	joins := f.fake.callsTo("conversations.join")
	if len(joins) != 1 || joins[0]["channel"] != "C2" {
		t.Errorf("Expected to join C2 only, got %v", joins)
	}
	if team := f.fake.callsTo("conversations.list")[0]["team_id"]; team != "T9" {
		t.Errorf("Expected conversations.list scoped to T9, got %q", team)
	}
}

func TestSyncWorkspace_ChannelAllowList(t *testing.T) {
	f := newImportFixture(t, ImporterOptions{Channels: []string{"C2"}})
	f.fake.reply("team.info", map[string]any{"ok": true, "team": map[string]any{"id": "T9", "name": "Initech"}})
	f.fake.reply("users.list", map[string]any{"ok": true, "members": []map[string]any{}, "response_metadata": map[string]any{"next_cursor": ""}})
	f.fake.reply("conversations.list", map[string]any{
		"ok": true,
		"channels": []map[string]any{
			{"id": "C1", "name": "general", "is_member": true},
			{"id": "C2", "name": "random", "is_member": true},
		},
	})
	f.fake.reply("conversations.history", historyPage(false, ""))

	if err := f.importer.SyncWorkspace(testContext(t), testCred); err != nil {
		t.Fatalf("SyncWorkspace() error = %v", err)
	}

	calls := f.fake.callsTo("conversations.history")
	if len(calls) != 1 || calls[0]["channel"] != "C2" {
		t.Errorf("Expected only C2 to be imported, got %v", calls)
	}
}

func TestSyncWorkspace_StopsWhenCircuitOpens(t *testing.T) {
	f := newImportFixture(t, ImporterOptions{Retrier: NewRetrier(fastPolicy(3), NewBreaker(1))})
	f.fake.reply("team.info", map[string]any{"ok": true, "team": map[string]any{"id": "T9", "name": "Initech"}})
	f.fake.reply("users.list", map[string]any{"ok": true, "members": []map[string]any{}, "response_metadata": map[string]any{"next_cursor": ""}})
	f.fake.reply("conversations.list", map[string]any{
		"ok": true,
		"channels": []map[string]any{
			{"id": "C1", "name": "general", "is_member": true},
			{"id": "C2", "name": "random", "is_member": true},
		},
	})
	f.fake.handle("conversations.history", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	err := f.importer.SyncWorkspace(testContext(t), testCred)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Expected ErrCircuitOpen, got %v", err)
	}
	if n := len(f.fake.callsTo("conversations.history")); n != 1 {
		t.Errorf("Expected the breaker to stop after the first failure, got %d history calls", n)
	}
}
