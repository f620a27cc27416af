// Package agent is the worker side of a build. It reads the build message
// the dispatcher uploaded, runs the build script under the message's build
// timeout, checks that lime-<kernel>.ko and <kernel>.zip were produced,
// uploads both to the file:// or sftp:// destination under the worker
// scoped keys, and posts the completion callback with the continuation
// token. Any failure is reported in the callback with status failed.
//
// Progress is written as line-delimited protocol messages (EVENT, then DONE
// or ERROR) so the log left on the worker can be decoded with
// protocol.Decoder.
package agent
