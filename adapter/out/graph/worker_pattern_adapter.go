// Package graph stores learned sender patterns in Neo4j.
package graph

import (
	"context"
	"fmt"
	"strings"

	"inbox_worker/core/domain"
	"inbox_worker/core/port/out"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// =============================================================================
// Neo4j Learned Pattern Adapter
// =============================================================================

// NewDriver connects to Neo4j. Credentials are optional for local servers.
func NewDriver(ctx context.Context, url, username, password string) (neo4j.DriverWithContext, error) {
	auth := neo4j.NoAuth()
	if username != "" && password != "" {
		auth = neo4j.BasicAuth(username, password, "")
	}

	driver, err := neo4j.NewDriverWithContext(url, auth)
	if err != nil {
		return nil, fmt.Errorf("failed to create Neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("failed to verify Neo4j connectivity: %w", err)
	}
	return driver, nil
}

// PatternAdapter implements out.LearnedPatternStore. A pattern is a
// (:Pattern)-[:ROUTES_TO]->(:Rule) edge scoped to an email account, so a
// sender learned for one rule can be moved to another by re-adding it.
type PatternAdapter struct {
	driver neo4j.DriverWithContext
	dbName string
}

// NewPatternAdapter creates a new Neo4j learned-pattern adapter.
func NewPatternAdapter(driver neo4j.DriverWithContext, dbName string) *PatternAdapter {
	return &PatternAdapter{driver: driver, dbName: dbName}
}

// EnsureIndexes creates the constraints the adapter relies on.
func (a *PatternAdapter) EnsureIndexes(ctx context.Context) error {
	session := a.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: a.dbName})
	defer session.Close(ctx)

	queries := []string{
		`CREATE CONSTRAINT pattern_unique IF NOT EXISTS FOR (p:Pattern) REQUIRE (p.account_id, p.type, p.value) IS UNIQUE`,
		`CREATE CONSTRAINT rule_unique IF NOT EXISTS FOR (r:Rule) REQUIRE (r.account_id, r.rule_id) IS UNIQUE`,
	}

	for _, query := range queries {
		if _, err := session.Run(ctx, query, nil); err != nil {
			return fmt.Errorf("failed to create constraint: %w", err)
		}
	}
	return nil
}

// AddPattern links the pattern to its rule, replacing any earlier rule.
func (a *PatternAdapter) AddPattern(ctx context.Context, pattern *domain.LearnedPattern) error {
	session := a.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: a.dbName,
		AccessMode:   neo4j.AccessModeWrite,
	})
	defer session.Close(ctx)

	query := `
		MERGE (p:Pattern {account_id: $accountID, type: $type, value: $value})
		SET p.exclude = $exclude,
			p.created_at = $createdAt
		WITH p
		OPTIONAL MATCH (p)-[old:ROUTES_TO]->(:Rule)
		DELETE old
		WITH p
		MERGE (r:Rule {account_id: $accountID, rule_id: $ruleID})
		MERGE (p)-[:ROUTES_TO]->(r)
	`

	params := map[string]interface{}{
		"accountID": pattern.EmailAccountID,
		"ruleID":    pattern.RuleID,
		"type":      string(pattern.Type),
		"value":     strings.ToLower(pattern.Value),
		"exclude":   pattern.Exclude,
		"createdAt": pattern.CreatedAt.Unix(),
	}

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, query, params)
	})
	if err != nil {
		return fmt.Errorf("failed to store learned pattern: %w", err)
	}
	return nil
}

// PatternsByRule returns the account's patterns keyed by rule id.
func (a *PatternAdapter) PatternsByRule(ctx context.Context, emailAccountID string) (map[string][]domain.RuleGroupItem, error) {
	session := a.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: a.dbName,
		AccessMode:   neo4j.AccessModeRead,
	})
	defer session.Close(ctx)

	query := `
		MATCH (p:Pattern {account_id: $accountID})-[:ROUTES_TO]->(r:Rule)
		RETURN r.rule_id AS rule_id, p.type AS type, p.value AS value,
			   coalesce(p.exclude, false) AS exclude, elementId(p) AS id
		ORDER BY p.created_at
	`

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]interface{}{"accountID": emailAccountID})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load learned patterns: %w", err)
	}

	patterns := make(map[string][]domain.RuleGroupItem)
	for _, record := range result.([]*neo4j.Record) {
		ruleID := recordString(record, "rule_id")
		patterns[ruleID] = append(patterns[ruleID], domain.RuleGroupItem{
			ID:      recordString(record, "id"),
			Type:    domain.GroupItemType(recordString(record, "type")),
			Value:   recordString(record, "value"),
			Exclude: recordBool(record, "exclude"),
		})
	}
	return patterns, nil
}

var _ out.LearnedPatternStore = (*PatternAdapter)(nil)

func recordString(record *neo4j.Record, key string) string {
	if val, ok := record.Get(key); ok {
		s, _ := val.(string)
		return s
	}
	return ""
}

func recordBool(record *neo4j.Record, key string) bool {
	if val, ok := record.Get(key); ok {
		b, _ := val.(bool)
		return b
	}
	return false
}
