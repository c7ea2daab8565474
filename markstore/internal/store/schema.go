package store

// Schema holds the mark tables. seq is the insertion order of a page's
// marks; the FTS index follows marks through triggers.
const Schema = `
CREATE TABLE IF NOT EXISTS marks (
    seq              INTEGER PRIMARY KEY AUTOINCREMENT,
    url              TEXT NOT NULL,
    id               TEXT NOT NULL,
    text             TEXT NOT NULL,
    html             TEXT NOT NULL DEFAULT '',
    note             TEXT NOT NULL DEFAULT '',
    color            TEXT NOT NULL DEFAULT '',
    range_descriptor TEXT NOT NULL,
    shadow_host_path TEXT NOT NULL DEFAULT '',
    created_at       INTEGER NOT NULL,
    title            TEXT NOT NULL DEFAULT '',
    context_title    TEXT NOT NULL DEFAULT '',
    context_selector TEXT NOT NULL DEFAULT '',
    context_level    INTEGER NOT NULL DEFAULT 0,
    context_order    INTEGER NOT NULL DEFAULT 0,
    UNIQUE (url, id)
);
CREATE INDEX IF NOT EXISTS idx_marks_created ON marks(created_at);

CREATE VIRTUAL TABLE IF NOT EXISTS marks_fts USING fts5(
    text,
    note,
    title,
    content='marks',
    content_rowid='seq',
    tokenize='unicode61 remove_diacritics 2'
);

CREATE TRIGGER IF NOT EXISTS marks_ai AFTER INSERT ON marks BEGIN
    INSERT INTO marks_fts(rowid, text, note, title) VALUES (new.seq, new.text, new.note, new.title);
END;
CREATE TRIGGER IF NOT EXISTS marks_ad AFTER DELETE ON marks BEGIN
    INSERT INTO marks_fts(marks_fts, rowid, text, note, title) VALUES ('delete', old.seq, old.text, old.note, old.title);
END;
CREATE TRIGGER IF NOT EXISTS marks_au AFTER UPDATE ON marks BEGIN
    INSERT INTO marks_fts(marks_fts, rowid, text, note, title) VALUES ('delete', old.seq, old.text, old.note, old.title);
    INSERT INTO marks_fts(rowid, text, note, title) VALUES (new.seq, new.text, new.note, new.title);
END;
`
