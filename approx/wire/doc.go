// Package wire implements the line-framed text protocol of the
// approximation game: a command word, optional space-separated parameters
// drawn from [A-Za-z0-9.-], and a CRLF terminator.
//
// Message is a closed sum over the seven commands; Parse builds one from a
// raw line and Encode renders the canonical form, with doubles always
// carrying exactly seven fractional digits.
package wire
