// Package context holds the state shared by the syllabus commands: I/O,
// configuration, the open database and the migrator built on it.
//
// It's separate from the app package so that cli can import it.
package context
