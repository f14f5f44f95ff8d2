// Package cipher provides the shared data model, Redis schema and store client
// for the cipher service.
//
// # Overview
//
// Every component (scheduler, submission ledger, narrative ledger, fanout and
// CLI) reads and writes state through this package. Redis is the single
// authoritative store; there is no replicated log.
//
// Puzzles are time-boxed challenges with a hidden solution. Guesses are
// candidate solutions, and rallies (votes) are endorsements counted towards a
// guess. Breadcrumbs are narrative fragments appended to a thread each time a
// puzzle is solved.
//
// # Atomicity
//
// Operations whose correctness depends on "check then write" run as single Lua
// scripts on the server:
//
//   - CastVote registers the (voter, guess) pair with SADD and increments the
//     counter only when the pair is new, after checking the puzzle is open.
//   - CreateGuess performs the same open check before writing the guess.
//   - MarkExpired clears is_active exactly once.
//   - AppendBreadcrumb increments the thread count and flips the unlocked flag
//     exactly once.
//
// # Redis Schema
//
// All Redis keys follow the pattern: cipher:{instance_name}:{entity}:{id}
//
// Puzzles: cipher:{instance_name}:puzzle:{puzzle_id}
// Active index: cipher:{instance_name}:puzzles:active
// Guesses: cipher:{instance_name}:guess:{guess_id}
// Voters: cipher:{instance_name}:guess:{guess_id}:voters
// Threads: cipher:{instance_name}:thread:{thread_id}
//
// Pub/Sub channels: cipher:{instance_name}:puzzle:{puzzle_id}:events and
// cipher:{instance_name}:global_events. Each published event is also appended
// to a capped stream so observers without push support can poll.
package cipher
