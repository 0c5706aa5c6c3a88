package cmd_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"lova/backend"
	"lova/internal/connectivity"
	"lova/internal/daemon"
	"lova/internal/testutil"
	"lova/internal/utils"
)

type listedItem struct {
	ID       string `json:"id"`
	UserID   string `json:"userId"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Favorite bool   `json:"favorite"`
}

type writeResult struct {
	Action string `json:"action"`
	ID     string `json:"id"`
	Synced bool   `json:"synced"`
	Result string `json:"result"`
}

func addItem(t *testing.T, c *testutil.CLITest, name, category string) writeResult {
	t.Helper()
	out := c.MustExecute("--json", "wardrobe", "add", name, "--category", category)
	var res writeResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	return res
}

func listItems(t *testing.T, c *testutil.CLITest) []listedItem {
	t.Helper()
	out := c.MustExecute("--json", "wardrobe", "list")
	var items []listedItem
	if err := json.Unmarshal([]byte(out), &items); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	return items
}

// --- Offline (no remote) ---

func TestWardrobeAddWithoutRemoteIsQueuedCLI(t *testing.T) {
	c := testutil.NewCLITest(t)

	out := c.MustExecute("wardrobe", "add", "Blue Oxford Shirt", "--category", "Top", "--color", "blue")
	testutil.AssertContains(t, out, "Saved locally")
	testutil.AssertResultCode(t, out, testutil.ResultActionQueued)

	items := listItems(t, c)
	if len(items) != 1 || items[0].Name != "Blue Oxford Shirt" || items[0].Category != "top" {
		t.Fatalf("items = %+v", items)
	}
	if items[0].UserID != testutil.TestUserID {
		t.Errorf("owner = %q", items[0].UserID)
	}

	out = c.MustExecute("sync", "queue")
	testutil.AssertContains(t, out, "create")
	testutil.AssertContains(t, out, backend.CollectionWardrobe+"/"+items[0].ID)
}

func TestWardrobeListEmptyWithoutRemoteCLI(t *testing.T) {
	c := testutil.NewCLITest(t)

	out := c.MustExecute("wardrobe")
	testutil.AssertContains(t, out, "No wardrobe items")
	testutil.AssertResultCode(t, out, testutil.ResultInfoOnly)
}

func TestWardrobeInvalidCategoryCLI(t *testing.T) {
	c := testutil.NewCLITest(t)

	_, stderr := c.ExecuteAndFail("wardrobe", "add", "Cape", "--category", "capes")
	testutil.AssertContains(t, stderr, "invalid category: capes")
	testutil.AssertContains(t, stderr, "Valid options")
}

func TestWardrobeUpdateAndDeleteOfflineCLI(t *testing.T) {
	c := testutil.NewCLITest(t)
	res := addItem(t, c, "Chinos", "bottom")
	if res.Synced || res.Result != testutil.ResultActionQueued {
		t.Fatalf("add result = %+v", res)
	}

	out := c.MustExecute("wardrobe", "update", res.ID, "--name", "Khaki Chinos", "--favorite")
	testutil.AssertResultCode(t, out, testutil.ResultActionQueued)

	items := listItems(t, c)
	if len(items) != 1 || items[0].Name != "Khaki Chinos" || !items[0].Favorite {
		t.Fatalf("items after update = %+v", items)
	}

	c.ExecuteAndFail("wardrobe", "update", res.ID)

	c.MustExecute("wardrobe", "delete", res.ID)
	if items := listItems(t, c); len(items) != 0 {
		t.Errorf("items after delete = %+v", items)
	}

	out = c.MustExecute("--json", "sync", "queue")
	var queue []map[string]any
	if err := json.Unmarshal([]byte(out), &queue); err != nil {
		t.Fatal(err)
	}
	if len(queue) != 3 {
		t.Errorf("queued %d changes, want create, update and delete", len(queue))
	}
}

func TestSyncWithoutRemoteCLI(t *testing.T) {
	c := testutil.NewCLITest(t)

	_, stderr := c.ExecuteAndFail("sync")
	testutil.AssertContains(t, stderr, "remote store is not configured")
}

func TestNotSignedInCLI(t *testing.T) {
	c := testutil.NewCLITest(t)
	c.Logout()

	_, stderr := c.ExecuteAndFail("wardrobe", "list")
	testutil.AssertContains(t, stderr, "not signed in")

	stdout, _ := c.ExecuteAndFail("--json", "wardrobe", "add", "Hat", "--category", "accessory")
	var resp map[string]string
	if err := json.Unmarshal([]byte(stdout), &resp); err != nil {
		t.Fatalf("invalid JSON error %q: %v", stdout, err)
	}
	if resp["error"] != "not signed in" || resp["result"] != testutil.ResultError {
		t.Errorf("error response = %+v", resp)
	}
}

func TestOutfitsLogCLI(t *testing.T) {
	c := testutil.NewCLITest(t)
	top := addItem(t, c, "Linen Shirt", "top")
	bottom := addItem(t, c, "Shorts", "bottom")

	_, stderr := c.ExecuteAndFail("outfits", "log", top.ID, "--rating", "9")
	testutil.AssertContains(t, stderr, "invalid rating")

	_, stderr = c.ExecuteAndFail("outfits", "log", top.ID, "--worn-at", "someday")
	testutil.AssertContains(t, stderr, "invalid date")

	out := c.MustExecute("outfits", "log", top.ID, bottom.ID, "--occasion", "beach", "--rating", "4", "--worn-at", "2026-07-01")
	testutil.AssertResultCode(t, out, testutil.ResultActionQueued)

	out = c.MustExecute("outfits")
	testutil.AssertContains(t, out, "2026-07-01")
	testutil.AssertContains(t, out, "2 item(s)")
	testutil.AssertContains(t, out, "beach")
	testutil.AssertContains(t, out, "****")
}

func TestOutfitShowMissingCLI(t *testing.T) {
	c := testutil.NewCLITest(t)

	_, stderr := c.ExecuteAndFail("outfits", "show", "nope")
	testutil.AssertContains(t, stderr, "outfit entry not found: nope")
}

func TestProfileSetAndShowCLI(t *testing.T) {
	c := testutil.NewCLITest(t)

	out := c.MustExecute("profile")
	testutil.AssertContains(t, out, "No profile yet")

	c.MustExecute("profile", "set", "--name", "Ada", "--style", "minimal", "--style", "classic")
	c.MustExecute("profile", "set", "--location", "Lisbon")

	out = c.MustExecute("profile", "show")
	testutil.AssertContains(t, out, "Name: Ada")
	testutil.AssertContains(t, out, "Style: minimal, classic")
	testutil.AssertContains(t, out, "Location: Lisbon")
}

func TestCacheClearWarnsAboutPendingCLI(t *testing.T) {
	c := testutil.NewCLITest(t)
	addItem(t, c, "Scarf", "accessory")

	out := c.MustExecute("cache", "clear")
	testutil.AssertContains(t, out, "1 change(s) have not been synced")
	testutil.AssertResultCode(t, out, testutil.ResultActionCompleted)

	out = c.MustExecute("sync", "queue")
	testutil.AssertContains(t, out, "No pending changes")
}

func TestSyncClearDeadLettersCLI(t *testing.T) {
	c := testutil.NewCLITest(t)
	addItem(t, c, "Boots", "shoes")

	out := c.MustExecute("sync", "clear", "--dead")
	testutil.AssertContains(t, out, "Cleared dead-lettered changes")
	out = c.MustExecute("sync", "queue")
	testutil.AssertNotContains(t, out, "No pending changes")

	c.MustExecute("sync", "clear")
	out = c.MustExecute("sync", "queue")
	testutil.AssertContains(t, out, "No pending changes")
}

func TestWhoAmICLI(t *testing.T) {
	c := testutil.NewCLITest(t)

	out := c.MustExecute("--json", "whoami")
	var info map[string]any
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if info["userId"] != testutil.TestUserID {
		t.Errorf("whoami = %+v", info)
	}

	c.MustExecute("logout")
	out = c.MustExecute("whoami")
	testutil.AssertContains(t, out, "Not signed in")
}

func TestLoginPromptsForUserIDCLI(t *testing.T) {
	c := testutil.NewCLITest(t)
	c.Logout()

	_, stderr := c.ExecuteAndFail("login")
	testutil.AssertContains(t, stderr, "user ID required")

	cfg := c.Config()
	cfg.NoPrompt = false
	cfg.Stdin = strings.NewReader("closet-owner\n")
	out := c.MustExecute("login")
	testutil.AssertContains(t, out, "User ID: ")
	testutil.AssertContains(t, out, "Signed in as closet-owner")

	cfg.NoPrompt = true
	out = c.MustExecute("--json", "whoami")
	var info map[string]any
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if info["userId"] != "closet-owner" {
		t.Errorf("whoami = %+v", info)
	}
}

// --- With a remote ---

func TestWardrobeAddOnlineCLI(t *testing.T) {
	c := testutil.NewCLITestWithRemote(t)

	res := addItem(t, c, "Trench Coat", "outerwear")
	if !res.Synced || res.Result != testutil.ResultActionCompleted {
		t.Fatalf("add result = %+v", res)
	}
	n, err := c.Emulator().Count(context.Background(), backend.CollectionWardrobe)
	if err != nil || n != 1 {
		t.Fatalf("remote count = %d, %v", n, err)
	}

	out := c.MustExecute("wardrobe", "show", res.ID)
	testutil.AssertContains(t, out, "Name: Trench Coat")

	_, stderr := c.ExecuteAndFail("wardrobe", "show", "missing-id")
	testutil.AssertContains(t, stderr, "wardrobe item not found")
}

func TestQueuedChangesSyncWhenRemoteReturnsCLI(t *testing.T) {
	c := testutil.NewCLITestWithRemote(t)
	live := c.RemoteURL()

	c.SetRemote("http://127.0.0.1:1")
	res := addItem(t, c, "Wool Sweater", "top")
	if res.Synced {
		t.Fatal("write against an unreachable remote should be queued")
	}
	_, stderr := c.ExecuteAndFail("sync")
	testutil.AssertContains(t, stderr, "remote store is offline")

	c.SetRemote(live)
	out := c.MustExecute("sync")
	testutil.AssertContains(t, out, "Synced 1 of 1 change(s)")
	testutil.AssertResultCode(t, out, testutil.ResultActionCompleted)

	n, err := c.Emulator().Count(context.Background(), backend.CollectionWardrobe)
	if err != nil || n != 1 {
		t.Fatalf("remote count = %d, %v", n, err)
	}

	// The queued create kept its local ID on the remote.
	items := listItems(t, c)
	if len(items) != 1 || items[0].ID != res.ID {
		t.Errorf("items = %+v, want ID %s", items, res.ID)
	}

	out = c.MustExecute("--json", "sync", "status")
	var status map[string]any
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		t.Fatal(err)
	}
	if status["pending"] != float64(0) || status["online"] != true || status["lastSync"] == nil {
		t.Errorf("status = %+v", status)
	}

	out = c.MustExecute("sync")
	testutil.AssertContains(t, out, "Nothing to sync")
	testutil.AssertResultCode(t, out, testutil.ResultInfoOnly)

	out = c.MustExecute("sync", "history")
	testutil.AssertContains(t, out, "1/1 synced")
}

func TestSyncStatusTextCLI(t *testing.T) {
	c := testutil.NewCLITestWithRemote(t)

	out := c.MustExecute("sync", "status")
	testutil.AssertContains(t, out, "Sync status")
	testutil.AssertContains(t, out, "online")
	testutil.AssertContains(t, out, "Daemon")
	testutil.AssertContains(t, out, "stopped")
	testutil.AssertResultCode(t, out, testutil.ResultInfoOnly)
}

func TestDeletedProfileWipesCacheCLI(t *testing.T) {
	c := testutil.NewCLITestWithRemote(t)
	c.MustExecute("profile", "set", "--name", "Grace")
	addItem(t, c, "Loafers", "shoes")

	out := c.MustExecute("profile", "delete")
	testutil.AssertResultCode(t, out, testutil.ResultActionCompleted)

	out = c.MustExecute("profile")
	testutil.AssertContains(t, out, "No profile yet")

	// The cached wardrobe went with the profile; the remote copy did not.
	_, stderr := c.ExecuteAndFail("cache", "info", "lova_cache_wardrobe")
	testutil.AssertContains(t, stderr, "no cache entry")
	testutil.AssertContains(t, stderr, "Suggestion: Cache keys:")
	if items := listItems(t, c); len(items) != 1 {
		t.Errorf("items = %+v", items)
	}
	if strings.TrimSpace(c.MustExecute("cache", "info", "lova_cache_wardrobe")) == "" {
		t.Error("listing should refill the wardrobe slot")
	}
}

func TestSyncHandsOffToRunningDaemonCLI(t *testing.T) {
	c := testutil.NewCLITestWithRemote(t)
	live := c.RemoteURL()

	c.SetRemote("http://127.0.0.1:1")
	addItem(t, c, "Rain Jacket", "outerwear")
	c.SetRemote(live)

	// An in-process daemon on the test's socket. Its monitor never syncs, so
	// any change reaching the remote came from the CLI.
	monitor := connectivity.New(reconcileNever{}, nil, connectivity.WithLogger(utils.DiscardLogger()))
	d := daemon.New(&daemon.Config{
		PIDPath:    c.Config().PIDPath,
		SocketPath: c.Config().SocketPath,
	}, monitor, daemon.WithLogger(utils.DiscardLogger()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()
	deadline := time.Now().Add(3 * time.Second)
	for !daemon.IsRunning(c.Config().PIDPath, c.Config().SocketPath) {
		if time.Now().After(deadline) {
			t.Fatal("daemon did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}

	out := c.MustExecute("sync")
	testutil.AssertContains(t, out, "handed to the background daemon")
	testutil.AssertResultCode(t, out, testutil.ResultActionQueued)

	n, err := c.Emulator().Count(context.Background(), backend.CollectionWardrobe)
	if err != nil || n != 0 {
		t.Errorf("remote count = %d, %v; the CLI ran its own pass", n, err)
	}
	out = c.MustExecute("--json", "sync", "status")
	var status map[string]any
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		t.Fatal(err)
	}
	if status["pending"] != float64(1) || status["daemonRunning"] != true {
		t.Errorf("status = %+v", status)
	}
}

type reconcileNever struct{}

func (reconcileNever) SyncAll(ctx context.Context) (int, error) { return 0, nil }
