// Package wire defines the nodelink message model and its binary encoding.
//
// Every frame on a connection carries exactly one Message: a Header plus
// one body variant (ConnectionControl, Hello, Welcome or BinaryMessage).
// Messages are encoded with protobuf field numbering so that peers written
// against the .proto schema interoperate; the encoder is hand-written on top
// of protowire to avoid a generated-code dependency.
//
// Frames are length-delimited: an unsigned varint length followed by the
// encoded Message.
package wire
