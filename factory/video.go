package factory

import (
	"github.com/kvmgate/kvmgate/config"
	"github.com/kvmgate/kvmgate/kvm/video"
	"github.com/kvmgate/kvmgate/kvm/video/placeholder"
)

func VideoFromConfig(conf config.Config) (video.Source, error) {
	src := placeholder.NewSource(conf.VNC.Width, conf.VNC.Height, conf.VNC.Name)
	if err := src.Open(); err != nil {
		return nil, err
	}
	return src, nil
}
