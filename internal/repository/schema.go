package repository

import "fmt"

// Schema definitions for the Kestrel database.
// The blob column type is the only difference between SQLite and PostgreSQL.

const schemaModelArtifacts = `
CREATE TABLE IF NOT EXISTS model_artifacts (
    version TEXT NOT NULL,
    unit TEXT NOT NULL,
    payload %s NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (version, unit)
);

CREATE INDEX IF NOT EXISTS idx_model_artifacts_created ON model_artifacts(created_at);
`

const schemaPredictions = `
CREATE TABLE IF NOT EXISTS predictions (
    id TEXT PRIMARY KEY,
    transaction_id TEXT NOT NULL,
    model_version TEXT NOT NULL,
    final_prediction INTEGER NOT NULL,
    risk_level TEXT NOT NULL,
    payload TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_predictions_tx ON predictions(transaction_id);
CREATE INDEX IF NOT EXISTS idx_predictions_risk ON predictions(risk_level, created_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas(driver string) []string {
	blob := "BLOB"
	if driver == "postgres" {
		blob = "BYTEA"
	}
	return []string{
		fmt.Sprintf(schemaModelArtifacts, blob),
		schemaPredictions,
	}
}
