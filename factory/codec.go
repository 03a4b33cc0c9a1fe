package factory

import (
	"github.com/kvmgate/kvmgate/config"
	"github.com/kvmgate/kvmgate/kvm/codec"
	"github.com/kvmgate/kvmgate/kvm/codec/tight"
)

func CodecFromConfig(conf config.Config) (codec.Codec, error) {
	return &tight.JPEGEncoder{Quality: conf.VNC.JPEGQuality}, nil
}
