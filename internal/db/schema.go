package db

// SchemaSQL defines the tables backing the durable store. Record ids are
// the model ids; snapshots are keyed by memory id and zero-padded version.
// Nested results and payloads are flexible objects.
const SchemaSQL = `
    -- ==========================================================================
    -- DOCUMENT TASKS (ingestion queue)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS document_task SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS filename ON document_task TYPE string;
    DEFINE FIELD IF NOT EXISTS source_path ON document_task TYPE string;
    DEFINE FIELD IF NOT EXISTS status ON document_task TYPE string
        ASSERT $value IN ["pending", "processing", "completed", "failed"];
    DEFINE FIELD IF NOT EXISTS display_order ON document_task TYPE int;
    DEFINE FIELD IF NOT EXISTS created_at ON document_task TYPE datetime;
    DEFINE FIELD IF NOT EXISTS started_at ON document_task TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS completed_at ON document_task TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS auto_ordered_at ON document_task TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS result ON document_task TYPE option<object> FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS error ON document_task TYPE string;
    DEFINE INDEX IF NOT EXISTS document_task_status ON document_task FIELDS status;

    -- ==========================================================================
    -- AGENT RUNS (the ordered task list is embedded in the run)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS agent_run SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS name ON agent_run TYPE string;
    DEFINE FIELD IF NOT EXISTS type ON agent_run TYPE string
        ASSERT $value IN ["index", "research", "statement"];
    DEFINE FIELD IF NOT EXISTS query ON agent_run TYPE string;
    DEFINE FIELD IF NOT EXISTS intent ON agent_run TYPE string;
    DEFINE FIELD IF NOT EXISTS index_name ON agent_run TYPE string;
    DEFINE FIELD IF NOT EXISTS memory_id ON agent_run TYPE string;
    DEFINE FIELD IF NOT EXISTS status ON agent_run TYPE string;
    DEFINE FIELD IF NOT EXISTS created_at ON agent_run TYPE datetime;
    DEFINE FIELD IF NOT EXISTS updated_at ON agent_run TYPE datetime;
    DEFINE FIELD IF NOT EXISTS tasks ON agent_run TYPE array<object> FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS tasks.* ON agent_run TYPE object FLEXIBLE;

    DEFINE TABLE IF NOT EXISTS task_detail SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS run_id ON task_detail TYPE string;
    DEFINE FIELD IF NOT EXISTS payload ON task_detail TYPE object FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS result ON task_detail TYPE option<object> FLEXIBLE;
    DEFINE INDEX IF NOT EXISTS task_detail_run ON task_detail FIELDS run_id;

    -- ==========================================================================
    -- ROLLING MEMORY
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS memory_state SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS context ON memory_state TYPE string;
    DEFINE FIELD IF NOT EXISTS max_length ON memory_state TYPE int ASSERT $value > 0;
    DEFINE FIELD IF NOT EXISTS strategy ON memory_state TYPE string;
    DEFINE FIELD IF NOT EXISTS updated_at ON memory_state TYPE datetime;

    DEFINE TABLE IF NOT EXISTS memory_snapshot SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS memory_id ON memory_snapshot TYPE string;
    DEFINE FIELD IF NOT EXISTS version ON memory_snapshot TYPE int;
    DEFINE FIELD IF NOT EXISTS task_id ON memory_snapshot TYPE string;
    DEFINE FIELD IF NOT EXISTS context ON memory_snapshot TYPE string;
    DEFINE FIELD IF NOT EXISTS created_at ON memory_snapshot TYPE datetime;
    DEFINE INDEX IF NOT EXISTS memory_snapshot_version ON memory_snapshot FIELDS memory_id, version UNIQUE;

    -- ==========================================================================
    -- INDEX ENTRIES
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS index_entry SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS run_id ON index_entry TYPE string;
    DEFINE FIELD IF NOT EXISTS task_id ON index_entry TYPE string;
    DEFINE FIELD IF NOT EXISTS index_name ON index_entry TYPE string;
    DEFINE FIELD IF NOT EXISTS score ON index_entry TYPE number;
    DEFINE FIELD IF NOT EXISTS document_id ON index_entry TYPE string;
    DEFINE FIELD IF NOT EXISTS quotes ON index_entry TYPE array<string>;
    DEFINE FIELD IF NOT EXISTS rationale ON index_entry TYPE string;
    DEFINE FIELD IF NOT EXISTS source_kind ON index_entry TYPE string;
    DEFINE FIELD IF NOT EXISTS corrected ON index_entry TYPE bool;
    DEFINE FIELD IF NOT EXISTS created_at ON index_entry TYPE datetime;
    DEFINE FIELD IF NOT EXISTS updated_at ON index_entry TYPE datetime;
    DEFINE INDEX IF NOT EXISTS index_entry_run ON index_entry FIELDS run_id;
    DEFINE INDEX IF NOT EXISTS index_entry_task ON index_entry FIELDS task_id;
    DEFINE INDEX IF NOT EXISTS index_entry_name ON index_entry FIELDS index_name;
`
