// Package agent implements the ReAct loop: each run renders the tool catalog
// into a system prompt, then alternates model calls, action parsing, tool
// dispatch and observation until a final answer is produced or the turn
// budget is exhausted.
package agent
