package migrate

import "strings"

const disableTransactionMarker = "-- disable-transaction"

// OrioleDBTransformer rewrites CREATE INDEX CONCURRENTLY to CREATE INDEX
// and strips the disable-transaction marker, for tenant databases whose
// default table access method is orioledb (which does not support
// concurrent index builds or running outside a transaction the same way
// heap tables do).
func OrioleDBTransformer(defaultAccessMethod string) Transformer {
	return func(m Migration) Migration {
		if defaultAccessMethod != "orioledb" {
			return m
		}
		sql := m.SQL
		sql = strings.ReplaceAll(sql, "CREATE INDEX CONCURRENTLY", "CREATE INDEX")
		sql = strings.ReplaceAll(sql, "create index concurrently", "create index")
		if strings.Contains(sql, disableTransactionMarker) {
			sql = strings.ReplaceAll(sql, disableTransactionMarker, "")
			m.DisableTransaction = false
		}
		m.SQL = sql
		return m
	}
}
