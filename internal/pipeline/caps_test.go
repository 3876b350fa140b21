package pipeline

import "testing"

func TestFrameCaps(t *testing.T) {
	testCases := []struct {
		name       string
		definition string
		want       string
	}{
		{
			name:       "quoted_caps_replaced",
			definition: `appsrc name=programmable_source caps="video/x-raw,format=RGB,width=1,height=1" ! videoconvert ! fakesink`,
			want:       "video/x-raw,format=RGB,width=640,height=480",
		},
		{
			name:       "typed_fields_replaced",
			definition: `appsrc name=programmable_source caps='video/x-raw,format=BGR,width=(int)10,height=(int)20,framerate=0/1' ! fakesink`,
			want:       "video/x-raw,format=BGR,width=640,height=480,framerate=0/1",
		},
		{
			name:       "bare_caps_appended",
			definition: `appsrc caps=video/x-raw,format=GRAY8 name=programmable_source ! fakesink`,
			want:       "video/x-raw,format=GRAY8,width=640,height=480",
		},
		{
			name:       "no_caps_uses_default",
			definition: `appsrc name=programmable_source ! videoconvert ! fakesink`,
			want:       "video/x-raw,format=RGB,width=640,height=480",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := FrameCaps(tc.definition, 640, 480)
			if got != tc.want {
				t.Errorf("FrameCaps() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestFirstStage(t *testing.T) {
	if got := FirstStage("  videotestsrc num-buffers=1 ! fakesink"); got != "videotestsrc num-buffers=1" {
		t.Errorf("FirstStage() = %q", got)
	}
	if got := FirstStage("fakesrc"); got != "fakesrc" {
		t.Errorf("FirstStage() without separator = %q", got)
	}
}
