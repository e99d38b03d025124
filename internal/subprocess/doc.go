// Package subprocess spawns local child processes and multiplexes their
// standard streams and named channels through a reactor.
//
// A Command describes the child: argv, environment, working directory,
// extra channels, per-stream options and resource limits. Exec forks the
// child with stdin, stdout and stderr on pipes and each channel on a
// socketpair (or a pipe for output-only channels), exporting the channel's
// descriptor number in an environment variable named after the channel.
//
// All I/O is non-blocking and driven by the reactor. Output is buffered per
// stream and announced through Handler.OnOutput; the caller drains it with
// Read, ReadLine or ReadTrimmedLine. Writes are queued and flushed as the
// descriptor becomes writable; Close half-closes the stream once the queue
// drains. OnCompletion fires exactly once, after the child was reaped and
// every readable stream reached EOF.
//
// Per-stream options use keys of the form "<stream>_BUFSIZE",
// "<stream>_LINE_BUFFER" and "<stream>_EOF_NEWLINE".
package subprocess
