// Package console resolves the OS user that owns the active graphical
// session. The helper accepts commands only from that user.
package console
