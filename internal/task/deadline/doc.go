// Package deadline provides a thread-safe blocking priority queue whose
// ordering key is a due time recomputed on every query.
//
// It backs the coalescing scheduler: items are job handles, their deadline
// moves whenever they are touched, and pullers block in Take until the
// earliest one is due.
package deadline
