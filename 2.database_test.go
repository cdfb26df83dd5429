package main

import (
	"context"
	"path/filepath"
	"testing"
)

// openTestDB points the package-level handle at a throwaway database and
// restores the previous state afterwards.
func openTestDB(t *testing.T) {
	t.Helper()
	prevDB, prevCfg := DB, GlobalConfig
	GlobalConfig = &Config{DefaultVolume: 0.35}
	if err := InitDatabase(context.Background(), filepath.Join(t.TempDir(), "test.db")); err != nil {
		t.Fatalf("InitDatabase failed: %v", err)
	}
	db := DB
	t.Cleanup(func() {
		_ = db.Close()
		DB, GlobalConfig = prevDB, prevCfg
	})
}

func TestGuildSettingsDefaults(t *testing.T) {
	openTestDB(t)
	ctx := context.Background()

	settings, err := GetGuildSettings(ctx, 42)
	if err != nil {
		t.Fatalf("GetGuildSettings failed: %v", err)
	}
	if settings.Volume != 0.35 {
		t.Errorf("default volume %v, want 0.35", settings.Volume)
	}
	if settings.DJRoleID != 0 || settings.InfinitePlaylist != "" {
		t.Errorf("unexpected defaults: %+v", settings)
	}
}

func TestGuildSettingsRoundTrip(t *testing.T) {
	openTestDB(t)
	ctx := context.Background()

	if err := SetGuildVolume(ctx, 42, 0.7); err != nil {
		t.Fatalf("SetGuildVolume failed: %v", err)
	}
	if err := SetGuildDJRole(ctx, 42, 777); err != nil {
		t.Fatalf("SetGuildDJRole failed: %v", err)
	}
	if err := SetGuildInfinitePlaylist(ctx, 42, "chill"); err != nil {
		t.Fatalf("SetGuildInfinitePlaylist failed: %v", err)
	}

	settings, err := GetGuildSettings(ctx, 42)
	if err != nil {
		t.Fatalf("GetGuildSettings failed: %v", err)
	}
	if settings.Volume != 0.7 {
		t.Errorf("volume %v, want 0.7", settings.Volume)
	}
	if settings.DJRoleID != 777 {
		t.Errorf("dj role %v, want 777", settings.DJRoleID)
	}
	if settings.InfinitePlaylist != "chill" {
		t.Errorf("infinite playlist %q, want chill", settings.InfinitePlaylist)
	}
}

func TestPlaylistLifecycle(t *testing.T) {
	openTestDB(t)
	ctx := context.Background()

	id, err := CreatePlaylist(ctx, 42, "chill", "https://example.com/playlist?list=PL1", 100)
	if err != nil {
		t.Fatalf("CreatePlaylist failed: %v", err)
	}
	if _, err := CreatePlaylist(ctx, 42, "chill", "https://example.com/other", 100); err == nil {
		t.Error("duplicate playlist name should fail")
	}

	entries := []PlaylistEntry{
		{URL: "https://example.com/watch?v=a", Title: "A", Duration: 100},
		{URL: "https://example.com/watch?v=b", Title: "B", Duration: 200},
	}
	if err := AddPlaylistEntries(ctx, id, entries); err != nil {
		t.Fatalf("AddPlaylistEntries failed: %v", err)
	}
	if n, err := CountPlaylistEntries(ctx, id); err != nil || n != 2 {
		t.Fatalf("CountPlaylistEntries = %d, %v; want 2", n, err)
	}

	entry, err := RandomPlaylistEntry(ctx, id)
	if err != nil {
		t.Fatalf("RandomPlaylistEntry failed: %v", err)
	}
	if entry == nil || (entry.Title != "A" && entry.Title != "B") {
		t.Errorf("unexpected random entry: %+v", entry)
	}

	lists, err := ListPlaylists(ctx, 42)
	if err != nil || len(lists) != 1 {
		t.Fatalf("ListPlaylists = %v, %v; want 1 playlist", lists, err)
	}

	p, err := GetPlaylist(ctx, 42, "chill")
	if err != nil || p == nil || p.ID != id {
		t.Fatalf("GetPlaylist = %+v, %v", p, err)
	}
	if p, _ := GetPlaylist(ctx, 42, "missing"); p != nil {
		t.Error("GetPlaylist for unknown name should return nil")
	}

	found, err := DeletePlaylist(ctx, 42, "chill")
	if err != nil || !found {
		t.Fatalf("DeletePlaylist = %v, %v", found, err)
	}
	if found, _ := DeletePlaylist(ctx, 42, "chill"); found {
		t.Error("second delete should report not found")
	}
	// entries cascade with the playlist
	if n, _ := CountPlaylistEntries(ctx, id); n != 0 {
		t.Errorf("entries survived playlist deletion: %d", n)
	}
}

func TestPlayHistory(t *testing.T) {
	openTestDB(t)
	ctx := context.Background()

	for _, title := range []string{"first", "second", "third"} {
		if err := AddPlayHistory(ctx, 42, "https://example.com/"+title, title, 100); err != nil {
			t.Fatalf("AddPlayHistory failed: %v", err)
		}
	}
	entries, err := GetRecentHistory(ctx, 42, 2)
	if err != nil {
		t.Fatalf("GetRecentHistory failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].GuildID != 42 || entries[0].RequesterID != 100 {
		t.Errorf("unexpected entry: %+v", entries[0])
	}
	if other, _ := GetRecentHistory(ctx, 43, 10); len(other) != 0 {
		t.Errorf("history leaked across guilds: %d", len(other))
	}
}

func TestBotConfigRoundTrip(t *testing.T) {
	openTestDB(t)
	ctx := context.Background()

	if v, err := GetBotConfig(ctx, "missing"); err != nil || v != "" {
		t.Fatalf("GetBotConfig(missing) = %q, %v", v, err)
	}
	if err := SetBotConfig(ctx, "bot_username", "hibiki"); err != nil {
		t.Fatalf("SetBotConfig failed: %v", err)
	}
	if v, err := GetBotConfig(ctx, "bot_username"); err != nil || v != "hibiki" {
		t.Errorf("GetBotConfig = %q, %v; want hibiki", v, err)
	}
}
