// Command dictate_call places an outbound phone call that connects the
// callee to a running voxnote recorder, for dial-in dictation.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/voxnote/voxnote/pkg/configutil"
	"github.com/voxnote/voxnote/pkg/sources/telephone"
	"github.com/voxnote/voxnote/pkg/voxnote"
)

func main() {
	configPath := flag.String("config", "examples/recorder/config.local.yaml", "")
	from := flag.String("from", "", "")
	to := flag.String("to", "", "")
	voiceURL := flag.String("voice_url", "", "")
	flag.Parse()
	if *from == "" || *to == "" {
		fmt.Println("usage: dictate_call -from=+123 -to=+456 [-config=...]")
		os.Exit(1)
	}

	cfg, err := voxnote.LoadConfig(*configPath)
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}
	if cfg.Source.Kind != "telephone" {
		fmt.Println("source.kind must be telephone for dial-in dictation")
		os.Exit(1)
	}
	var phoneCfg telephone.Config
	if err := configutil.DecodeSettings(cfg.Source.Settings, &phoneCfg); err != nil {
		fmt.Println("settings error:", err)
		os.Exit(1)
	}

	url := *voiceURL
	if url == "" {
		url = phoneCfg.VoiceWebhookURL()
	}
	if url == "" {
		fmt.Println("public_url is empty; set source.settings.public_url or pass -voice_url")
		os.Exit(1)
	}

	dialer := telephone.NewDialer(phoneCfg)
	callSID, err := dialer.Dial(context.Background(), *to, *from, url)
	if err != nil {
		fmt.Println("call error:", err)
		os.Exit(1)
	}
	fmt.Println("call_sid:", callSID)
}
