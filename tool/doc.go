// Package tool holds the tool registry: validated tool definitions, the
// discovery of new or changed tools from configuration sources, the
// definition stores used by the persistence boundary, and the error taxonomy
// shared by every other fleet component.
//
// The package is split by concern:
//   - definition: the ToolDefinition record and its connection variants
//   - registry: the in-memory map with per-entry definition swaps
//   - discovery: candidate detection, hashing and diffing
//   - store: memory and SQLite persistence of definitions
//   - error: the ToolError taxonomy
//   - observability: call, retry, health and restart observations
package tool
