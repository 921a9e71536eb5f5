package sse

import (
	"reflect"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []Event
	}{
		{
			name: "anthropic frames",
			text: "event: message_start\ndata: {\"type\":\"message_start\"}\n\nevent: ping\ndata: {}\n\n",
			want: []Event{
				{Type: "message_start", Data: `{"type":"message_start"}`},
				{Type: "ping", Data: "{}"},
			},
		},
		{
			name: "multi-line data",
			text: "data: one\ndata: two\n\n",
			want: []Event{{Data: "one\ntwo"}},
		},
		{
			name: "id and no space",
			text: "id:7\nevent:x\ndata:y\n\n",
			want: []Event{{Type: "x", Data: "y", ID: "7"}},
		},
		{
			name: "crlf",
			text: "event: a\r\ndata: b\r\n\r\n",
			want: []Event{{Type: "a", Data: "b"}},
		},
		{
			name: "trailing unterminated frame",
			text: "event: a\ndata: b\n\nevent: c",
			want: []Event{{Type: "a", Data: "b"}, {Type: "c"}},
		},
		{
			name: "blank lines and comments only",
			text: "\n\n: keepalive\n\n",
			want: nil,
		},
		{
			name: "empty data still counts as a field",
			text: "data:\n\n",
			want: []Event{{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.text)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Parse = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestParseConcatenationOnBoundary(t *testing.T) {
	d1 := "event: content_block_delta\ndata: {\"delta\":{\"text\":\"Hi\"}}\n\n"
	d2 := "event: message_stop\ndata: {}\n\nevent: ping\ndata: {}\n\n"

	whole := Parse(d1 + d2)
	split := append(Parse(d1), Parse(d2)...)
	if !reflect.DeepEqual(whole, split) {
		t.Errorf("parse(d1++d2) = %#v, parse(d1)++parse(d2) = %#v", whole, split)
	}
}

func TestSplitComplete(t *testing.T) {
	tests := []struct {
		in, complete, rest string
	}{
		{"", "", ""},
		{"data: a", "", "data: a"},
		{"data: a\n\n", "data: a\n\n", ""},
		{"data: a\n\ndata: b", "data: a\n\n", "data: b"},
		{"data: a\r\n\r\ndata: b\r\n", "data: a\r\n\r\n", "data: b\r\n"},
		{"data: a\n\ndata: b\n\ndata: c\n", "data: a\n\ndata: b\n\n", "data: c\n"},
	}

	for _, tt := range tests {
		complete, rest := SplitComplete([]byte(tt.in))
		if string(complete) != tt.complete || string(rest) != tt.rest {
			t.Errorf("SplitComplete(%q) = (%q, %q), want (%q, %q)", tt.in, complete, rest, tt.complete, tt.rest)
		}
	}
}
