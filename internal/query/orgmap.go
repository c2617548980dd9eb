package query

// 运营商对应的 AS 组织名称，测绘平台 org 字段使用
var ispOrgs = map[string]string{
	"联通": "CHINA UNICOM China169 Backbone",
	"电信": "Chinanet",
	"移动": "China Mobile communications corporation",
}

// 个别省份使用独立的 AS 组织
var regionISPOrgs = map[string]string{
	"北京联通": "China Unicom Beijing Province Network",
}

// OrgForISP 返回省份+运营商对应的 org，未知运营商原样返回
func OrgForISP(region, isp string) string {
	if org, ok := regionISPOrgs[region+isp]; ok {
		return org
	}
	if org, ok := ispOrgs[isp]; ok {
		return org
	}
	return isp
}
