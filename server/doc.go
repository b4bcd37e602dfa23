/*
Package server provides the HTTP interface to an lvv tile server.

A Service owns one tileserver.Server, the optional cache of raw tile bytes shared
by every volume it opens, and any number of remote viewers.  Remote viewers are
driven by posting camera changes; a single render loop then does for them what an
on-screen renderer would: select the tiles to show, upload their textures, and
release the textures the cache evicted.  Because each viewer's needed tiles are
reported to the tile server, clients that follow the viewer's camera find the
tiles they request already cached.  Clients can also subscribe to a viewer's
frames over a websocket instead of polling its state.

Configuration is read from a TOML file.  See LoadConfig and the lvv command for
an annotated example.
*/
package server
