package mqtt

import "testing"

func TestTopicBuilders(t *testing.T) {
	topics := Topics{}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"Status", topics.Status(), "knxproc/status"},
		{"Event", topics.Event("group.write", "1/2/3"), "knxproc/event/group.write/1/2/3"},
		{"State", topics.State("1/2/3"), "knxproc/state/1/2/3"},
		{"Command", topics.Command("31/7/255"), "knxproc/command/31/7/255"},
		{"AllCommands", topics.AllCommands(), "knxproc/command/#"},
		{"AllEvents", topics.AllEvents(), "knxproc/event/#"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestCommandAddress(t *testing.T) {
	tests := []struct {
		topic  string
		want   string
		wantOK bool
	}{
		{"knxproc/command/1/2/3", "1/2/3", true},
		{"knxproc/command/", "", false},
		{"knxproc/state/1/2/3", "", false},
		{"other/command/1/2/3", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			got, ok := Topics{}.CommandAddress(tt.topic)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("CommandAddress(%q) = %q, %v, want %q, %v", tt.topic, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
