package database

const schema = `
CREATE TABLE IF NOT EXISTS checkout_attempts (
    id CHAR(36) PRIMARY KEY,
    shop VARCHAR(255) NOT NULL,
    session_id VARCHAR(255) NOT NULL,
    kind VARCHAR(32) NOT NULL,
    state VARCHAR(32) NOT NULL,
    rechecks INT NOT NULL DEFAULT 0,
    last_error TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    UNIQUE KEY uniq_session (session_id),
    KEY idx_shop_state (shop, state)
);
`
