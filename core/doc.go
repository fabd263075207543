// Package core contains the canonical billing domain contracts, entities,
// and configuration. Stores, workers, and adapters depend on this package;
// core must not depend on storage or transport packages.
package core
