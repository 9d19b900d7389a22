// Package store provides the local persistence engines a storage node keeps
// its copies in. Both engines key files by (filename, owner) and are safe for
// concurrent use.
package store
