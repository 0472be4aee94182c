package hardware

// BoardType はサポートするフレームグラバーの種別
type BoardType string

const (
	System1394        BoardType = "M_SYSTEM_1394"
	SystemCronosPlus  BoardType = "M_SYSTEM_CRONOSPLUS"
	SystemDefault     BoardType = "M_SYSTEM_DEFAULT"
	SystemGigEVision  BoardType = "M_SYSTEM_GIGE_VISION"
	SystemGPU         BoardType = "M_SYSTEM_GPU"
	SystemHost        BoardType = "M_SYSTEM_HOST"
	SystemIrisGT      BoardType = "M_SYSTEM_IRIS_GT"
	SystemMorphis     BoardType = "M_SYSTEM_MORPHIS"
	SystemMorphisQxT  BoardType = "M_SYSTEM_MORPHISQXT"
	SystemOrionHD     BoardType = "M_SYSTEM_ORION_HD"
	SystemRadient     BoardType = "M_SYSTEM_RADIENT"
	SystemRadientCLHS BoardType = "M_SYSTEM_RADIENTCLHS"
	SystemRadientCXP  BoardType = "M_SYSTEM_RADIENTCXP"
	SystemRadientEVCL BoardType = "M_SYSTEM_RADIENTEVCL"
	SystemRadientPro  BoardType = "M_SYSTEM_RADIENTPRO"
	SystemSolios      BoardType = "M_SYSTEM_SOLIOS"
	SystemUSB3Vision  BoardType = "M_SYSTEM_USB3_VISION"
	SystemVIO         BoardType = "M_SYSTEM_VIO"
	SystemOther       BoardType = "Other"
)

var boardTypes = []BoardType{
	System1394, SystemCronosPlus, SystemDefault, SystemGigEVision, SystemGPU,
	SystemHost, SystemIrisGT, SystemMorphis, SystemMorphisQxT, SystemOrionHD,
	SystemRadient, SystemRadientCLHS, SystemRadientCXP, SystemRadientEVCL,
	SystemRadientPro, SystemSolios, SystemUSB3Vision, SystemVIO,
}

// ParseBoardType は記述子をボード種別に変換する
// 未知の記述子は SystemOther になる
func ParseBoardType(descriptor string) BoardType {
	for _, bt := range boardTypes {
		if string(bt) == descriptor {
			return bt
		}
	}
	return SystemOther
}

// IsHost はホストの疑似ボードか判定する
func (b BoardType) IsHost() bool {
	return b == SystemHost
}
