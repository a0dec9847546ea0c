package recording

import "strings"

const (
	ContainerMP4       = "video/mp4"
	ContainerWebM      = "video/webm"
	ContainerWebMVP9   = "video/webm;codecs=vp9"
	ContainerWebMVP8   = "video/webm;codecs=vp8"
	ContainerWebMH264  = "video/webm;codecs=h264"
	ContainerMPEG      = "video/mpeg"
	ContainerAudioWebM = "audio/webm"
	ContainerOgg       = "audio/ogg"

	// DefaultContainer is the fallback when the chosen container cannot be
	// constructed for a stream.
	DefaultContainer = ContainerWebM
)

// PreferredContainers is probed in order when no MIME type is requested.
var PreferredContainers = []string{
	ContainerMP4,
	ContainerWebM,
	ContainerWebMVP9,
	ContainerWebMVP8,
	ContainerWebMH264,
	ContainerMPEG,
	ContainerOgg,
}

// container is a parsed MIME type: "video/webm;codecs=vp8,opus" becomes
// {base: "video/webm", codecs: [vp8 opus]}.
type container struct {
	base   string
	codecs []string
}

func parseContainer(mimeType string) (container, bool) {
	parts := strings.Split(mimeType, ";")
	base := strings.ToLower(strings.TrimSpace(parts[0]))
	if !strings.Contains(base, "/") {
		return container{}, false
	}
	c := container{base: base}
	for _, param := range parts[1:] {
		key, value, ok := strings.Cut(param, "=")
		if !ok || strings.ToLower(strings.TrimSpace(key)) != "codecs" {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"`)
		for _, codec := range strings.Split(value, ",") {
			codec = strings.ToLower(strings.TrimSpace(codec))
			if codec != "" {
				c.codecs = append(c.codecs, codec)
			}
		}
	}
	return c, true
}

func (c container) has(codec string) bool {
	for _, x := range c.codecs {
		if x == codec {
			return true
		}
	}
	return false
}

// Extension returns the file extension for a container MIME type.
func Extension(mimeType string) string {
	c, ok := parseContainer(mimeType)
	if !ok {
		return ".bin"
	}
	switch c.base {
	case "video/webm", "audio/webm":
		return ".webm"
	case "audio/ogg":
		return ".ogg"
	case "video/mp4":
		return ".mp4"
	case "video/mpeg":
		return ".mpeg"
	default:
		return ".bin"
	}
}
