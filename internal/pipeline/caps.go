package pipeline

import (
	"fmt"
	"regexp"
	"strings"
)

// StageSeparator splits the stages of a definition.
const StageSeparator = "!"

// DefaultFrameCaps is used when the source stage declares no caps of its own.
const DefaultFrameCaps = "video/x-raw,format=RGB"

var (
	widthField  = regexp.MustCompile(`width=(\(int\))?[^,\s"']+`)
	heightField = regexp.MustCompile(`height=(\(int\))?[^,\s"']+`)
)

// FirstStage returns the text preceding the first stage separator.
func FirstStage(definition string) string {
	head, _, _ := strings.Cut(definition, StageSeparator)
	return strings.TrimSpace(head)
}

// FrameCaps builds the caps string for the programmable source.
//
// The caps template is the caps= property of the first stage, quoted or bare;
// DefaultFrameCaps when the stage has none. Width and height are replaced (or
// appended) with the dimensions of the frame being pushed:
//
//	appsrc name=programmable_source caps="video/x-raw,format=RGB,width=1,height=1" ! ...
//	→ video/x-raw,format=RGB,width=640,height=480
func FrameCaps(definition string, width, height int) string {
	caps := capsProperty(FirstStage(definition))
	if caps == "" {
		caps = DefaultFrameCaps
	}

	w := fmt.Sprintf("width=%d", width)
	if widthField.MatchString(caps) {
		caps = widthField.ReplaceAllString(caps, w)
	} else {
		caps += "," + w
	}

	h := fmt.Sprintf("height=%d", height)
	if heightField.MatchString(caps) {
		caps = heightField.ReplaceAllString(caps, h)
	} else {
		caps += "," + h
	}
	return caps
}

func capsProperty(stage string) string {
	_, rest, found := strings.Cut(stage, "caps=")
	if !found {
		return ""
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return ""
	}
	if q := rest[0]; q == '"' || q == '\'' {
		if end := strings.IndexByte(rest[1:], q); end >= 0 {
			return rest[1 : end+1]
		}
		return rest[1:]
	}
	if end := strings.IndexAny(rest, " \t"); end >= 0 {
		return rest[:end]
	}
	return rest
}
