// Package broadcast runs recurring, per-tenant promotional broadcasts.
//
// There are three pieces:
//
//   - Dispatcher: one fan-out for one broadcast definition. It prices every plan
//     with the broadcast discount, creates a payment per (user, plan), and
//     delivers the offer to every user of the tenant. A failing user never
//     aborts the batch.
//   - loop: a long-lived task bound to one definition. It sleeps until the next
//     configured wall-clock time in the registry timezone, runs the Dispatcher,
//     cools down, and repeats until cancelled.
//   - Registry: tenant id -> running loops. Start replaces (never appends) the
//     tenant's loops; Stop cancels them.
//
// State is in-memory only. Loops do not survive a process restart; the host is
// expected to call Start for its tenants on boot.
package broadcast
