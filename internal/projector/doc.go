// Package projector folds decoded contract events into the queryable
// aggregates: markets, trades, user portfolios, free market configs and price
// history.
//
// Every rule is a pure merge over the current aggregate (or its initializer
// when absent) followed by a single write through Upsert. Aggregates hold no
// state that cannot be rebuilt by replaying the raw event store in order.
package projector
