package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/joho/godotenv"
	"github.com/mattn/go-sqlite3"
)

// --- Phase 1: Configuration & Environment ---

type Config struct {
	Token         string
	GuildID       string
	DatabasePath  string
	OwnerIDs      []string
	DefaultVolume float64
	Silent        bool
	YoutubePrefix string
	YTMusicPrefix string
}

var GlobalConfig *Config

// LoadConfig initializes the configuration from environment variables.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	token := os.Getenv("DISCORD_TOKEN")
	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		folder := "."
		if info, err := os.Stat("data"); err == nil && info.IsDir() {
			folder = "./data"
		}
		dbPath = filepath.Join(folder, GetProjectName()+".db")
	}

	silent, _ := strconv.ParseBool(os.Getenv("SILENT"))

	defaultVolume := 0.35
	if v := os.Getenv("DEFAULT_VOLUME"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			defaultVolume = f
		}
	}

	ytPrefix := os.Getenv("VOICE_YT_PREFIX")
	if ytPrefix == "" {
		ytPrefix = "[YT]"
	}

	ytmPrefix := os.Getenv("VOICE_YTM_PREFIX")
	if ytmPrefix == "" {
		ytmPrefix = "[YTM]"
	}

	ownerIDsStr := os.Getenv("OWNER_IDS")
	var ownerIDs []string
	if ownerIDsStr != "" {
		ownerIDs = strings.Split(ownerIDsStr, ",")
		for i := range ownerIDs {
			ownerIDs[i] = strings.TrimSpace(ownerIDs[i])
		}
	}

	cfg := &Config{
		Token:         token,
		GuildID:       os.Getenv("GUILD_ID"),
		DatabasePath:  dbPath,
		OwnerIDs:      ownerIDs,
		DefaultVolume: defaultVolume,
		Silent:        silent,
		YoutubePrefix: ytPrefix,
		YTMusicPrefix: ytmPrefix,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Silent {
		SetSilentMode(true)
	}

	GlobalConfig = cfg
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf(MsgConfigMissingToken)
	}
	if c.GuildID != "" && (len(c.GuildID) < 17 || len(c.GuildID) > 20) {
		return fmt.Errorf("invalid GUILD_ID: must be a valid Snowflake")
	}
	return nil
}

func GetProjectName() string {
	exePath, err := os.Executable()
	projectName := "bot"
	if err == nil {
		projectName = filepath.Base(exePath)
		projectName = strings.TrimSuffix(projectName, ".exe")

		if projectName == "main" || strings.HasPrefix(projectName, "go_build_") {
			if modData, err := os.ReadFile("go.mod"); err == nil {
				lines := strings.Split(string(modData), "\n")
				if len(lines) > 0 && strings.HasPrefix(lines[0], "module ") {
					parts := strings.Split(lines[0], "/")
					projectName = strings.TrimSpace(parts[len(parts)-1])
				}
			}
		}
	}
	return projectName
}

// --- Phase 2: Database Connection & Lifecycle ---

var DB *sql.DB

func InitDatabase(ctx context.Context, dataSourceName string) error {
	// Explicitly reference sqlite3 driver to avoid blank identifier
	// The driver registers itself via its init() function
	_ = sqlite3.SQLiteDriver{}

	var err error
	DB, err = sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return err
	}

	DB.SetMaxOpenConns(5)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA cache_size=-2000;",
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, p := range pragmas {
		if _, err := DB.ExecContext(initCtx, p); err != nil {
			return fmt.Errorf(MsgDatabasePragmaError, p, err)
		}
	}

	tx, err := DB.BeginTx(initCtx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tableQueries := []string{
		`CREATE TABLE IF NOT EXISTS bot_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS guild_settings (
			guild_id TEXT PRIMARY KEY,
			dj_role_id TEXT,
			volume REAL,
			infinite_playlist TEXT,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS playlists (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			guild_id TEXT NOT NULL,
			name TEXT NOT NULL,
			source_url TEXT NOT NULL,
			created_by TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(guild_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS playlist_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			playlist_id INTEGER NOT NULL REFERENCES playlists(id) ON DELETE CASCADE,
			url TEXT NOT NULL,
			title TEXT,
			duration INTEGER DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS play_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			guild_id TEXT NOT NULL,
			url TEXT NOT NULL,
			title TEXT NOT NULL,
			requester_id TEXT NOT NULL,
			played_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, q := range tableQueries {
		if _, err := tx.ExecContext(initCtx, q); err != nil {
			return fmt.Errorf(MsgDatabaseTableError, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	migrations := []string{
		"ALTER TABLE guild_settings ADD COLUMN infinite_playlist TEXT",
		"ALTER TABLE playlist_entries ADD COLUMN duration INTEGER DEFAULT 0",
	}

	for _, m := range migrations {
		if _, err := DB.ExecContext(initCtx, m); err != nil {
			if !strings.Contains(err.Error(), "duplicate column") {
				return fmt.Errorf("failed to migrate database: %w", err)
			}
		}
	}

	LogDatabase(MsgDatabaseInitSuccess)
	return nil
}

func CloseDatabase() {
	if DB != nil {
		DB.Close()
	}
}

// --- Phase 3: Infrastructure & Bot Persistence ---

// BotConfig helpers are used by the loader for mode tracking and state.
func GetBotConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := DB.QueryRowContext(ctx, "SELECT value FROM bot_config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func SetBotConfig(ctx context.Context, key, value string) error {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO bot_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return err
}

// --- Phase 4: Application Logic (Guild Settings) ---

type GuildSettings struct {
	GuildID          snowflake.ID
	DJRoleID         snowflake.ID
	Volume           float64
	InfinitePlaylist string
	UpdatedAt        time.Time
}

// GetGuildSettings returns the stored settings for a guild, falling back to
// configuration defaults when no row exists.
func GetGuildSettings(ctx context.Context, guildID snowflake.ID) (*GuildSettings, error) {
	settings := &GuildSettings{
		GuildID: guildID,
		Volume:  GlobalConfig.DefaultVolume,
	}

	var djRole, infinitePlaylist sql.NullString
	var volume sql.NullFloat64
	err := DB.QueryRowContext(ctx, `
		SELECT dj_role_id, volume, infinite_playlist FROM guild_settings WHERE guild_id = ?
	`, guildID.String()).Scan(&djRole, &volume, &infinitePlaylist)
	if err == sql.ErrNoRows {
		return settings, nil
	}
	if err != nil {
		return nil, err
	}

	if djRole.Valid && djRole.String != "" {
		id, err := snowflake.Parse(djRole.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DJ role ID '%s': %w", djRole.String, err)
		}
		settings.DJRoleID = id
	}
	if volume.Valid && volume.Float64 >= 0 && volume.Float64 <= 1 {
		settings.Volume = volume.Float64
	}
	settings.InfinitePlaylist = infinitePlaylist.String
	return settings, nil
}

func SetGuildDJRole(ctx context.Context, guildID, roleID snowflake.ID) error {
	roleStr := ""
	if roleID != 0 {
		roleStr = roleID.String()
	}
	_, err := DB.ExecContext(ctx, `
		INSERT INTO guild_settings (guild_id, dj_role_id) VALUES (?, ?)
		ON CONFLICT(guild_id) DO UPDATE SET dj_role_id = excluded.dj_role_id, updated_at = CURRENT_TIMESTAMP
	`, guildID.String(), roleStr)
	return err
}

func SetGuildVolume(ctx context.Context, guildID snowflake.ID, volume float64) error {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO guild_settings (guild_id, volume) VALUES (?, ?)
		ON CONFLICT(guild_id) DO UPDATE SET volume = excluded.volume, updated_at = CURRENT_TIMESTAMP
	`, guildID.String(), volume)
	return err
}

func SetGuildInfinitePlaylist(ctx context.Context, guildID snowflake.ID, playlist string) error {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO guild_settings (guild_id, infinite_playlist) VALUES (?, ?)
		ON CONFLICT(guild_id) DO UPDATE SET infinite_playlist = excluded.infinite_playlist, updated_at = CURRENT_TIMESTAMP
	`, guildID.String(), playlist)
	return err
}

// --- Phase 5: Application Logic (Playlists) ---

type Playlist struct {
	ID        int64
	GuildID   snowflake.ID
	Name      string
	SourceURL string
	CreatedBy snowflake.ID
	CreatedAt time.Time
}

type PlaylistEntry struct {
	ID       int64
	URL      string
	Title    string
	Duration int
}

func CreatePlaylist(ctx context.Context, guildID snowflake.ID, name, sourceURL string, createdBy snowflake.ID) (int64, error) {
	result, err := DB.ExecContext(ctx, `
		INSERT INTO playlists (guild_id, name, source_url, created_by) VALUES (?, ?, ?, ?)
	`, guildID.String(), name, sourceURL, createdBy.String())
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func GetPlaylist(ctx context.Context, guildID snowflake.ID, name string) (*Playlist, error) {
	row := DB.QueryRowContext(ctx, `
		SELECT id, guild_id, name, source_url, created_by, created_at
		FROM playlists WHERE guild_id = ? AND name = ?
	`, guildID.String(), name)

	p := &Playlist{}
	var gid, createdBy string
	err := row.Scan(&p.ID, &gid, &p.Name, &p.SourceURL, &createdBy, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.GuildID, err = snowflake.Parse(gid)
	if err != nil {
		return nil, fmt.Errorf("failed to parse guild ID '%s' for playlist %d: %w", gid, p.ID, err)
	}
	p.CreatedBy, err = snowflake.Parse(createdBy)
	if err != nil {
		return nil, fmt.Errorf("failed to parse creator ID '%s' for playlist %d: %w", createdBy, p.ID, err)
	}
	return p, nil
}

func ListPlaylists(ctx context.Context, guildID snowflake.ID) ([]*Playlist, error) {
	rows, err := DB.QueryContext(ctx, `
		SELECT id, guild_id, name, source_url, created_by, created_at
		FROM playlists WHERE guild_id = ? ORDER BY name ASC
	`, guildID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var playlists []*Playlist
	for rows.Next() {
		p := &Playlist{}
		var gid, createdBy string
		if err := rows.Scan(&p.ID, &gid, &p.Name, &p.SourceURL, &createdBy, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.GuildID, err = snowflake.Parse(gid)
		if err != nil {
			return nil, fmt.Errorf("failed to parse guild ID '%s' for playlist %d: %w", gid, p.ID, err)
		}
		p.CreatedBy, err = snowflake.Parse(createdBy)
		if err != nil {
			return nil, fmt.Errorf("failed to parse creator ID '%s' for playlist %d: %w", createdBy, p.ID, err)
		}
		playlists = append(playlists, p)
	}
	return playlists, nil
}

func DeletePlaylist(ctx context.Context, guildID snowflake.ID, name string) (bool, error) {
	result, err := DB.ExecContext(ctx, `
		DELETE FROM playlists WHERE guild_id = ? AND name = ?
	`, guildID.String(), name)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

func AddPlaylistEntries(ctx context.Context, playlistID int64, entries []PlaylistEntry) error {
	tx, err := DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO playlist_entries (playlist_id, url, title, duration) VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, playlistID, e.URL, e.Title, e.Duration); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func CountPlaylistEntries(ctx context.Context, playlistID int64) (int, error) {
	var count int
	err := DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM playlist_entries WHERE playlist_id = ?", playlistID).Scan(&count)
	return count, err
}

// RandomPlaylistEntry picks one entry uniformly at random from a playlist.
func RandomPlaylistEntry(ctx context.Context, playlistID int64) (*PlaylistEntry, error) {
	row := DB.QueryRowContext(ctx, `
		SELECT id, url, title, duration FROM playlist_entries
		WHERE playlist_id = ? ORDER BY RANDOM() LIMIT 1
	`, playlistID)

	e := &PlaylistEntry{}
	var title sql.NullString
	err := row.Scan(&e.ID, &e.URL, &title, &e.Duration)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Title = title.String
	return e, nil
}

// --- Phase 6: Application Logic (Play History) ---

type HistoryEntry struct {
	ID          int64
	GuildID     snowflake.ID
	URL         string
	Title       string
	RequesterID snowflake.ID
	PlayedAt    time.Time
}

func AddPlayHistory(ctx context.Context, guildID snowflake.ID, url, title string, requesterID snowflake.ID) error {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO play_history (guild_id, url, title, requester_id) VALUES (?, ?, ?, ?)
	`, guildID.String(), url, title, requesterID.String())
	return err
}

func GetRecentHistory(ctx context.Context, guildID snowflake.ID, limit int) ([]*HistoryEntry, error) {
	rows, err := DB.QueryContext(ctx, `
		SELECT id, guild_id, url, title, requester_id, played_at
		FROM play_history WHERE guild_id = ? ORDER BY played_at DESC LIMIT ?
	`, guildID.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		e := &HistoryEntry{}
		var gid, rid string
		if err := rows.Scan(&e.ID, &gid, &e.URL, &e.Title, &rid, &e.PlayedAt); err != nil {
			return nil, err
		}
		e.GuildID, err = snowflake.Parse(gid)
		if err != nil {
			return nil, fmt.Errorf("failed to parse guild ID '%s' for history %d: %w", gid, e.ID, err)
		}
		e.RequesterID, err = snowflake.Parse(rid)
		if err != nil {
			return nil, fmt.Errorf("failed to parse requester ID '%s' for history %d: %w", rid, e.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
