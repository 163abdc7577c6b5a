package store

// Schema is the SQLite DDL for the Persistence Gateway, applied via
// dbopen.WithSchema the same way the reference observability and channels
// packages declare their tables inline.
const Schema = `
CREATE TABLE IF NOT EXISTS chats (
	chat_jid TEXT PRIMARY KEY,
	display_name TEXT,
	created_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);

CREATE TABLE IF NOT EXISTS messages (
	chat_jid TEXT NOT NULL,
	id TEXT NOT NULL,
	sender TEXT,
	sender_name TEXT,
	content TEXT,
	timestamp TEXT NOT NULL,
	is_bot_message INTEGER NOT NULL DEFAULT 0,
	ingest_seq INTEGER NOT NULL,
	PRIMARY KEY (chat_jid, id)
);
CREATE INDEX IF NOT EXISTS idx_messages_ingest_seq ON messages(ingest_seq);
CREATE INDEX IF NOT EXISTS idx_messages_chat_ts ON messages(chat_jid, timestamp);

CREATE TABLE IF NOT EXISTS registered_groups (
	jid TEXT PRIMARY KEY,
	folder TEXT NOT NULL,
	display_name TEXT,
	trigger_pattern TEXT,
	requires_trigger INTEGER NOT NULL DEFAULT 1,
	is_planner INTEGER NOT NULL DEFAULT 0,
	is_worker INTEGER NOT NULL DEFAULT 0,
	container_config TEXT,
	updated_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);

CREATE TABLE IF NOT EXISTS sessions (
	group_folder TEXT PRIMARY KEY,
	session_id TEXT,
	updated_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);

CREATE TABLE IF NOT EXISTS router_state (
	key TEXT PRIMARY KEY,
	value TEXT
);

CREATE TABLE IF NOT EXISTS worker_runs (
	run_id TEXT PRIMARY KEY,
	group_folder TEXT NOT NULL,
	status TEXT NOT NULL,
	phase TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	completed_at INTEGER,
	retry_count INTEGER NOT NULL DEFAULT 0,

	dispatch_repo TEXT,
	dispatch_branch TEXT,
	context_intent TEXT,
	parent_run_id TEXT,

	dispatch_session_id TEXT,
	selected_session_id TEXT,
	effective_session_id TEXT,
	session_selection_source TEXT,
	session_resume_status TEXT,
	session_resume_error TEXT,

	last_heartbeat_at INTEGER,
	active_container_name TEXT,
	no_container_since INTEGER,

	expects_followup_container INTEGER NOT NULL DEFAULT 0,
	supervisor_owner TEXT,
	lease_expires_at INTEGER,
	recovered_from_reason TEXT,

	result_summary TEXT,
	error_details TEXT,
	branch_name TEXT,
	commit_sha TEXT,
	files_changed TEXT,
	test_summary TEXT,
	risk_summary TEXT,
	pr_url TEXT
);
CREATE INDEX IF NOT EXISTS idx_worker_runs_group_folder ON worker_runs(group_folder);
CREATE INDEX IF NOT EXISTS idx_worker_runs_session_route ON worker_runs(group_folder, dispatch_repo, dispatch_branch, effective_session_id);
CREATE INDEX IF NOT EXISTS idx_worker_runs_effective_session ON worker_runs(effective_session_id);

CREATE TABLE IF NOT EXISTS processed_messages (
	chat_jid TEXT NOT NULL,
	message_id TEXT NOT NULL,
	run_id TEXT,
	PRIMARY KEY (chat_jid, message_id)
);
`
