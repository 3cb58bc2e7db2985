// Package procgroup places child processes in their own process group and
// signals the whole group, so servers that fork workers are torn down with
// their children.
package procgroup
