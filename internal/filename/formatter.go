// Package filename renders destination paths for finished downloads from a
// %-placeholder template and a stream record.
package filename

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/riveroon/twitch-archive/internal/fsutil"
	"github.com/riveroon/twitch-archive/internal/helix"
)

// Placeholders:
//
//	%Si user id        %Sl user login    %Sn user display name
//	%TY year (4)       %Ty year (2)      %TM month   %TD day
//	%TH hour           %Tm minute        %TZ utc offset
//	%si stream id      %st stream title  %%  literal percent
//
// User-controlled values are sanitized; path separators in the template
// itself are preserved.
type Formatter struct {
	elements []element
}

type element struct {
	code    string
	literal string
}

// New parses a template. Unknown placeholder codes are an error.
func New(format string) (*Formatter, error) {
	f := &Formatter{}
	rest := format
	for {
		i := strings.IndexByte(rest, '%')
		if i < 0 {
			f.elements = append(f.elements, element{literal: rest})
			return f, nil
		}
		f.elements = append(f.elements, element{literal: rest[:i]})
		rest = rest[i+1:]

		if strings.HasPrefix(rest, "%") {
			f.elements = append(f.elements, element{literal: "%"})
			rest = rest[1:]
			continue
		}
		if len(rest) < 2 {
			return nil, fmt.Errorf("filename: dangling %% at end of template")
		}
		code := rest[:2]
		switch code {
		case "Si", "Sl", "Sn", "TY", "Ty", "TM", "TD", "TH", "Tm", "TZ", "si", "st":
			f.elements = append(f.elements, element{code: code})
		default:
			return nil, fmt.Errorf("filename: unknown symbol %q in template", "%"+code)
		}
		rest = rest[2:]
	}
}

// Format renders the template for one stream.
func (f *Formatter) Format(stream *helix.Stream) string {
	var b strings.Builder
	for _, e := range f.elements {
		if e.code == "" {
			b.WriteString(e.literal)
			continue
		}

		t := stream.StartedAt
		switch e.code {
		case "Si":
			b.WriteString(fsutil.Sanitize(stream.User.ID))
		case "Sl":
			b.WriteString(fsutil.Sanitize(stream.User.Login))
		case "Sn":
			b.WriteString(fsutil.Sanitize(stream.User.DisplayName))
		case "TY":
			b.WriteString(strconv.Itoa(t.Year()))
		case "Ty":
			b.WriteString(strconv.Itoa(t.Year() % 100))
		case "TM":
			b.WriteString(strconv.Itoa(int(t.Month())))
		case "TD":
			b.WriteString(strconv.Itoa(t.Day()))
		case "TH":
			b.WriteString(strconv.Itoa(t.Hour()))
		case "Tm":
			b.WriteString(strconv.Itoa(t.Minute()))
		case "TZ":
			b.WriteString(t.Format("-07:00"))
		case "si":
			b.WriteString(fsutil.Sanitize(stream.ID))
		case "st":
			b.WriteString(fsutil.Sanitize(stream.Title))
		}
	}
	return b.String()
}
