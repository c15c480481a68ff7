// Package config loads syncmaven project files.
//
// A project file names the state store, the datasources models query, and
// the connectors rows are sent to. Each sync ties one model to one
// destination stream, optionally through a chain of enrichments:
//
//	store: sqlite:.syncmaven/state.db
//	datasources:
//	  warehouse:
//	    url: postgres://reader@db/analytics
//	models:
//	  - id: users
//	    datasource: warehouse
//	    cursor: updated_at
//	    query: |
//	      SELECT * FROM users
//	      WHERE :cursor IS NULL OR updated_at > :cursor
//	      ORDER BY updated_at
//	destinations:
//	  - id: crm
//	    package: docker:syncmaven/hubspot
//	    credentials:
//	      accessToken: ${HUBSPOT_TOKEN}
//	syncs:
//	  - id: users-to-crm
//	    model: users
//	    destination: crm
//	    stream: contacts
//	    checkpoint:
//	      every: 1000
//
// ${VAR} references are replaced with environment variables before parsing;
// ${VAR:-fallback} supplies a value for unset variables. Sync settings left
// out fall back to the project's defaults section and then to NewDefaults.
//
// LoadProject validates references between sections so a broken project
// fails before any connector is started or any query is run.
package config
