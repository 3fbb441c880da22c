/*
Package types defines the core data structures shared across docstore.

It holds the record envelope, index definitions, subscription/connection
bookkeeping, change records, WAL entries, and transaction state — the
nouns every other package (collection, storage, wal, txn, query, filter,
subscription, dispatch) operates on. It carries no behavior of its own.

# Ownership

  - The collection engine owns Record and IndexDef for a given collection.
  - The subscription engine owns Subscription; it holds only a connection
    ID, never a *Connection — connections are owned by the host process.
  - The WAL owns WALEntry sequencing; the transaction manager owns
    Transaction lifecycle.
*/
package types
