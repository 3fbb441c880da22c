/*
Package events provides an in-memory change bus connecting the collection
engine to the subscription engine.

The bus is deliberately dumb: it knows nothing about filters, queries, or
delivery priority. It exists only to decouple the collection engine (the
publisher, on every commit) from the subscription engine (the listener,
which turns a ChangeRecord into per-subscriber Notifications) so neither
package imports the other.

Publish never blocks past the bus's own internal buffer; a listener that
falls behind has events dropped for it rather than stall a commit.
*/
package events
