package document

// Permission 数值越小权限越高，owner 每个文档只有一个
type Permission int

const (
	PermissionOwner Permission = iota
	PermissionAdmin
	PermissionEditor
	PermissionViewer
)

var permissionNames = map[Permission]string{
	PermissionOwner:  "owner",
	PermissionAdmin:  "admin",
	PermissionEditor: "editor",
	PermissionViewer: "viewer",
}

func (p Permission) String() string {
	if name, ok := permissionNames[p]; ok {
		return name
	}
	return "unknown"
}

func (p Permission) Valid() bool {
	return p >= PermissionOwner && p <= PermissionViewer
}

// Grantable 能通过邀请授予的级别（owner 只在创建时产生）
func (p Permission) Grantable() bool {
	return p >= PermissionAdmin && p <= PermissionViewer
}

func (p Permission) CanEdit() bool { return p.Valid() && p <= PermissionEditor }

func (p Permission) CanInvite() bool { return p.Valid() && p <= PermissionAdmin }
